// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"
)

// WriteJSON marshals value as indented JSON to w. Nil slices are
// written as [] rather than null.
func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(normalizeNilSlice(value))
}

func normalizeNilSlice(value any) any {
	reflected := reflect.ValueOf(value)
	if reflected.Kind() == reflect.Slice && reflected.IsNil() {
		return reflect.MakeSlice(reflected.Type(), 0, 0).Interface()
	}
	return value
}

// Table writes aligned columns to w. The header row is upper-cased.
type Table struct {
	writer *tabwriter.Writer
}

// NewTable starts a table with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	table := &Table{writer: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
	upper := make([]any, len(headers))
	for i, header := range headers {
		upper[i] = strings.ToUpper(header)
	}
	table.Row(upper...)
	return table
}

// Row appends one row. Values are formatted with %v.
func (t *Table) Row(values ...any) {
	cells := make([]string, len(values))
	for i, value := range values {
		cells[i] = fmt.Sprint(value)
	}
	fmt.Fprintln(t.writer, strings.Join(cells, "\t"))
}

// Flush writes the buffered rows.
func (t *Table) Flush() error {
	return t.writer.Flush()
}
