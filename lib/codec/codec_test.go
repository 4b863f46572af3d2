// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type sampleSnapshot struct {
	Room    string            `cbor:"room"`
	Entries map[string]string `cbor:"entries"`
	Depth   int64             `cbor:"depth,omitempty"`
}

func TestCBORRoundtrip(t *testing.T) {
	original := sampleSnapshot{
		Room:    "!room:example.org",
		Entries: map[string]string{"m.room.create\x00": "$create", "m.room.member\x00@a:x": "$join"},
		Depth:   4,
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded sampleSnapshot
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Room != original.Room || decoded.Depth != original.Depth || len(decoded.Entries) != 2 {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestCBORDeterministicMapOrder(t *testing.T) {
	first := map[string]string{}
	second := map[string]string{}
	keys := []string{"zeta", "alpha", "mu", "beta", "omega"}
	for _, key := range keys {
		first[key] = key
	}
	for index := len(keys) - 1; index >= 0; index-- {
		second[keys[index]] = keys[index]
	}
	a, err := Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("equal maps encoded differently: %x != %x", a, b)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]int{"depth": 3})
	if err != nil {
		t.Fatal(err)
	}
	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(notation, `"depth": 3`) {
		t.Errorf("Diagnose = %q", notation)
	}
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty object", input: `{}`, want: `{}`},
		{name: "sorted keys", input: `{"one": 1, "two": "Two"}`, want: `{"one":1,"two":"Two"}`},
		{name: "reverse keys", input: `{"b": "2", "a": "1"}`, want: `{"a":"1","b":"2"}`},
		{
			name:  "nested",
			input: `{"auth": {"success": true, "mxid": "@john.doe:example.com", "profile": {"display_name": "John Doe", "three_pids": [{"medium": "email", "address": "john.doe@example.org"}]}}}`,
			want:  `{"auth":{"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"address":"john.doe@example.org","medium":"email"}]},"success":true}}`,
		},
		{name: "unicode unescaped", input: `{"a": "日本語"}`, want: `{"a":"日本語"}`},
		{name: "unicode keys sorted by code point", input: `{"本": 2, "日": 1}`, want: `{"日":1,"本":2}`},
		{name: "html not escaped", input: `{"a": "<b>&"}`, want: `{"a":"<b>&"}`},
		{name: "control escaped", input: `{"a": "\u0001\n"}`, want: `{"a":"\u0001\n"}`},
		{name: "null", input: `{"a": null}`, want: `{"a":null}`},
		{name: "negative", input: `[-5, 0]`, want: `[-5,0]`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(test.input))
			if err != nil {
				t.Fatalf("CanonicalJSON: %v", err)
			}
			if string(got) != test.want {
				t.Errorf("CanonicalJSON = %s, want %s", got, test.want)
			}
		})
	}
}

func TestCanonicalJSONRejects(t *testing.T) {
	for _, input := range []string{
		`{"a": 1.5}`,
		`{"a": 9007199254740992}`,
		`{"a": 1, "a": 2}`,
		`{"a": 1} {}`,
		`{"a": `,
	} {
		if _, err := CanonicalJSON([]byte(input)); !errors.Is(err, ErrNotCanonicalizable) {
			t.Errorf("CanonicalJSON(%s) error = %v, want ErrNotCanonicalizable", input, err)
		}
	}
}

func TestMarshalCanonical(t *testing.T) {
	got, err := MarshalCanonical(struct {
		Z string `json:"z"`
		A int    `json:"a"`
	}{Z: "last", A: 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":1,"z":"last"}` {
		t.Errorf("MarshalCanonical = %s", got)
	}
}
