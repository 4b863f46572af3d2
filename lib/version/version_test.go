// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	savedCommit, savedDirty := GitCommit, GitDirty
	t.Cleanup(func() { GitCommit, GitDirty = savedCommit, savedDirty })

	GitCommit, GitDirty = "abc1234", "false"
	if got := Info(); !strings.Contains(got, "(abc1234,") {
		t.Errorf("Info() = %q, want clean commit", got)
	}
	GitDirty = "true"
	if got := Info(); !strings.Contains(got, "abc1234-dirty") {
		t.Errorf("Info() = %q, want -dirty suffix", got)
	}
}

func TestFprint(t *testing.T) {
	var buffer bytes.Buffer
	Fprint(&buffer, "roomserver")
	output := buffer.String()
	if !strings.HasPrefix(output, "roomserver "+Version) {
		t.Errorf("output = %q, want binary and version prefix", output)
	}
	if !strings.Contains(output, "Platform: ") {
		t.Errorf("output = %q, want platform line", output)
	}
}

func TestUserAgent(t *testing.T) {
	if got, want := UserAgent("roomserver"), "roomserver/"+Version; got != want {
		t.Errorf("UserAgent = %q, want %q", got, want)
	}
}
