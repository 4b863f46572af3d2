// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"testing"
)

func TestReport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"single line", errors.New("config: server_name is required"), "error: config: server_name is required\n"},
		{
			"joined",
			errors.Join(errors.New("server_name is required"), errors.New("paths.database is required")),
			"error: server_name is required\n  paths.database is required\n",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buffer bytes.Buffer
			Report(&buffer, test.err)
			if buffer.String() != test.want {
				t.Errorf("Report wrote %q, want %q", buffer.String(), test.want)
			}
		})
	}
}
