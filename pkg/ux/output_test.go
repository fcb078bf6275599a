// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, NewPrinter(&buf).Plain())
}

func TestPrinter_Plain(t *testing.T) {
	tests := []struct {
		name  string
		print func(p *Printer)
		want  string
	}{
		{"title", func(p *Printer) { p.Title("audit") }, "# audit\n"},
		{"success", func(p *Printer) { p.Success("stored 3") }, "OK: stored 3\n"},
		{"warning", func(p *Printer) { p.Warning("empty") }, "WARN: empty\n"},
		{"kv", func(p *Printer) { p.KV("level", "strict", "healed", 4) }, "level=strict healed=4\n"},
		{"kv odd", func(p *Printer) { p.KV("level", "strict", "dangling") }, "level=strict\n"},
		{"severity", func(p *Printer) { p.Title(p.Severity("critical")) }, "# critical\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.print(NewPlainPrinter(&buf))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	NewPlainPrinter(&buf).Table([]string{"seq", "kind"}, [][]string{{"1", "clamp_to_bounds"}, {"2", "truncate_with_null"}})
	assert.Equal(t, "seq\tkind\n1\tclamp_to_bounds\n2\ttruncate_with_null\n", buf.String())

	buf.Reset()
	(&Printer{w: &buf}).Table([]string{"seq"}, [][]string{{"42"}})
	out := buf.String()
	assert.Contains(t, out, "seq")
	assert.Contains(t, out, "42")
	assert.Greater(t, strings.Count(out, "\n"), 2, "styled tables draw borders")
}
