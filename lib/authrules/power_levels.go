// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authrules

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
)

// Default power level thresholds when an m.room.power_levels event
// omits a key.
const (
	DefaultBan           = 50
	DefaultKick          = 50
	DefaultRedact        = 50
	DefaultInvite        = 0
	DefaultStateDefault  = 50
	DefaultEventsDefault = 0
	DefaultUsersDefault  = 0
	DefaultNotifyRoom    = 50

	// Levels when the room has no power levels event at all.
	NoPowerLevelsCreator = 100
	NoPowerLevelsState   = 50
)

// levelKeys are the top-level integer thresholds compared by the power
// levels change rules, in checking order.
var levelKeys = []string{"users_default", "events_default", "state_default", "ban", "redact", "kick", "invite"}

// PowerLevels is the parsed content of an m.room.power_levels event.
// Top-level thresholds absent from the content hold nil in raw and
// their default in the named fields.
type PowerLevels struct {
	Ban, Kick, Redact, Invite int64
	StateDefault              int64
	EventsDefault             int64
	UsersDefault              int64
	NotificationsRoom         int64
	Users                     map[string]int64
	Events                    map[string]int64

	raw           map[string]*int64
	notifications *int64
}

// DefaultPowerLevels returns the thresholds of an empty power levels
// event.
func DefaultPowerLevels() *PowerLevels {
	return &PowerLevels{
		Ban:               DefaultBan,
		Kick:              DefaultKick,
		Redact:            DefaultRedact,
		Invite:            DefaultInvite,
		StateDefault:      DefaultStateDefault,
		EventsDefault:     DefaultEventsDefault,
		UsersDefault:      DefaultUsersDefault,
		NotificationsRoom: DefaultNotifyRoom,
		Users:             map[string]int64{},
		Events:            map[string]int64{},
		raw:               map[string]*int64{},
	}
}

// ParsePowerLevels parses and validates power levels content. Room
// versions without IntegerPowerLevels also accept decimal strings.
func ParsePowerLevels(rules roomversion.Rules, content []byte) (*PowerLevels, error) {
	if !gjson.ValidBytes(content) {
		return nil, fmt.Errorf("power levels content is not valid JSON")
	}
	root := gjson.ParseBytes(content)
	levels := DefaultPowerLevels()

	for _, key := range levelKeys {
		field := root.Get(key)
		if !field.Exists() {
			continue
		}
		value, err := parseLevel(rules, field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		levels.raw[key] = &value
		switch key {
		case "users_default":
			levels.UsersDefault = value
		case "events_default":
			levels.EventsDefault = value
		case "state_default":
			levels.StateDefault = value
		case "ban":
			levels.Ban = value
		case "redact":
			levels.Redact = value
		case "kick":
			levels.Kick = value
		case "invite":
			levels.Invite = value
		}
	}

	var err error
	if levels.Users, err = parseLevelMap(rules, root.Get("users"), true); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	if levels.Events, err = parseLevelMap(rules, root.Get("events"), false); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	notifications, err := parseLevelMap(rules, root.Get("notifications"), false)
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}
	if room, ok := notifications["room"]; ok {
		levels.NotificationsRoom = room
		levels.notifications = &room
	}
	return levels, nil
}

func parseLevel(rules roomversion.Rules, field gjson.Result) (int64, error) {
	switch field.Type {
	case gjson.Number:
		value, err := strconv.ParseInt(field.Raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s is not an integer", field.Raw)
		}
		return value, nil
	case gjson.String:
		if rules.IntegerPowerLevels {
			return 0, fmt.Errorf("string level %q in a room version requiring integers", field.Str)
		}
		value, err := strconv.ParseInt(field.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", field.Str)
		}
		return value, nil
	}
	return 0, fmt.Errorf("level has JSON type %s", field.Type)
}

func parseLevelMap(rules roomversion.Rules, field gjson.Result, userKeys bool) (map[string]int64, error) {
	levels := map[string]int64{}
	if !field.Exists() {
		return levels, nil
	}
	if !field.IsObject() {
		return nil, fmt.Errorf("not an object")
	}
	var err error
	field.ForEach(func(key, value gjson.Result) bool {
		if userKeys {
			if _, parseErr := ref.ParseUserID(key.Str); parseErr != nil {
				err = fmt.Errorf("invalid user ID %q", key.Str)
				return false
			}
		}
		level, parseErr := parseLevel(rules, value)
		if parseErr != nil {
			err = fmt.Errorf("%s: %w", key.Str, parseErr)
			return false
		}
		levels[key.Str] = level
		return true
	})
	return levels, err
}

// UserLevel returns user's power level.
func (p *PowerLevels) UserLevel(user string) int64 {
	if level, ok := p.Users[user]; ok {
		return level
	}
	return p.UsersDefault
}

// SendLevel returns the level required to send an event of eventType.
func (p *PowerLevels) SendLevel(eventType ref.EventType, isState bool) int64 {
	if level, ok := p.Events[string(eventType)]; ok {
		return level
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}

// levelsOf returns the parsed power levels in state, or nil if the
// room has none. A stored power levels event that fails to parse is
// treated as defaults; it passed validation when it was admitted under
// the same rules, so this only happens for outliers.
func levelsOf(rules roomversion.Rules, state State) *PowerLevels {
	event := state.PowerLevels()
	if event == nil {
		return nil
	}
	levels, err := ParsePowerLevels(rules, event.Content())
	if err != nil {
		return DefaultPowerLevels()
	}
	return levels
}

// UserPowerLevel returns user's level in state, applying the creator
// rule when the room has no power levels event.
func UserPowerLevel(rules roomversion.Rules, state State, user string) int64 {
	if levels := levelsOf(rules, state); levels != nil {
		return levels.UserLevel(user)
	}
	if creator := roomCreator(rules, state.Create()); creator != "" && creator == user {
		return NoPowerLevelsCreator
	}
	return 0
}

// roomCreator returns the creator recorded by the create event.
func roomCreator(rules roomversion.Rules, create *pdu.Event) string {
	if create == nil {
		return ""
	}
	if rules.UseRoomCreateSender {
		return create.Sender().String()
	}
	return gjson.GetBytes(create.Content(), "creator").String()
}

// checkPowerLevelsChange applies the rules for replacing previous with
// the content of event, sent by a user at senderLevel.
func checkPowerLevelsChange(rules roomversion.Rules, event *pdu.Event, previous *pdu.Event, senderLevel int64) error {
	if !event.StateKeyEquals("") {
		return reject(event.ID(), CodeInvalidPowerLevels, "power levels state key must be empty")
	}
	proposed, err := ParsePowerLevels(rules, event.Content())
	if err != nil {
		return reject(event.ID(), CodeInvalidPowerLevels, "%v", err)
	}
	if previous == nil {
		return nil
	}
	current, err := ParsePowerLevels(rules, previous.Content())
	if err != nil {
		current = DefaultPowerLevels()
	}

	tooBig := func(level *int64) bool { return level != nil && *level > senderLevel }
	changed := func(before, after *int64) bool {
		if before == nil || after == nil {
			return before != after
		}
		return *before != *after
	}

	for _, key := range levelKeys {
		before, after := current.raw[key], proposed.raw[key]
		if changed(before, after) && (tooBig(before) || tooBig(after)) {
			return reject(event.ID(), CodeInsufficientPower, "cannot change %s beyond own level %d", key, senderLevel)
		}
	}

	for _, user := range unionKeys(current.Users, proposed.Users) {
		before, after := lookup(current.Users, user), lookup(proposed.Users, user)
		if !changed(before, after) {
			continue
		}
		if user != event.Sender().String() && before != nil && *before == senderLevel {
			return reject(event.ID(), CodeInsufficientPower, "cannot change level of %s, equal to own level %d", user, senderLevel)
		}
		if tooBig(before) || tooBig(after) {
			return reject(event.ID(), CodeInsufficientPower, "cannot change level of %s beyond own level %d", user, senderLevel)
		}
	}

	for _, eventType := range unionKeys(current.Events, proposed.Events) {
		before, after := lookup(current.Events, eventType), lookup(proposed.Events, eventType)
		if changed(before, after) && (tooBig(before) || tooBig(after)) {
			return reject(event.ID(), CodeInsufficientPower, "cannot change level of %s beyond own level %d", eventType, senderLevel)
		}
	}

	if rules.LimitNotificationsPowerLevels {
		before, after := current.notifications, proposed.notifications
		if changed(before, after) && (tooBig(before) || tooBig(after)) {
			return reject(event.ID(), CodeInsufficientPower, "cannot change notifications.room beyond own level %d", senderLevel)
		}
	}
	return nil
}

func lookup(levels map[string]int64, key string) *int64 {
	if level, ok := levels[key]; ok {
		return &level
	}
	return nil
}

func unionKeys(a, b map[string]int64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]int64{a, b} {
		for key := range m {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	slices.Sort(keys)
	return keys
}
