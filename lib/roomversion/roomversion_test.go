// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomversion

import (
	"slices"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		id        ID
		knocking  bool
		aliases   bool
		integerPL bool
		creator   bool
	}{
		{id: V5, aliases: true},
		{id: V6},
		{id: V7, knocking: true},
		{id: V10, knocking: true, integerPL: true},
		{id: V11, knocking: true, integerPL: true, creator: true},
	}
	for _, test := range tests {
		t.Run(string(test.id), func(t *testing.T) {
			rules, err := Lookup(test.id)
			if err != nil {
				t.Fatalf("Lookup(%q): %v", test.id, err)
			}
			if rules.ID != test.id {
				t.Errorf("ID = %q, want %q", rules.ID, test.id)
			}
			if rules.AllowKnocking != test.knocking {
				t.Errorf("AllowKnocking = %v, want %v", rules.AllowKnocking, test.knocking)
			}
			if rules.SpecialCaseAliases != test.aliases {
				t.Errorf("SpecialCaseAliases = %v, want %v", rules.SpecialCaseAliases, test.aliases)
			}
			if rules.IntegerPowerLevels != test.integerPL {
				t.Errorf("IntegerPowerLevels = %v, want %v", rules.IntegerPowerLevels, test.integerPL)
			}
			if rules.UseRoomCreateSender != test.creator {
				t.Errorf("UseRoomCreateSender = %v, want %v", rules.UseRoomCreateSender, test.creator)
			}
		})
	}

	if _, err := Lookup("1"); err == nil {
		t.Error("Lookup(\"1\") succeeded, want error")
	}
}

func TestSupportedOrder(t *testing.T) {
	want := []ID{V5, V6, V7, V8, V9, V10, V11}
	if got := Supported(); !slices.Equal(got, want) {
		t.Errorf("Supported() = %v, want %v", got, want)
	}
	if !Known(Default) {
		t.Errorf("Default %q is not a known version", Default)
	}
}
