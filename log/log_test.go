// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/deep-rent/weave/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Output(t *testing.T) {
	type test struct {
		name     string
		opts     []log.Option
		contains []string
		absent   []string
	}

	tests := []test{
		{
			name:     "defaults",
			contains: []string{"level=INFO", `msg="Service registered"`},
			absent:   []string{"Debug record"},
		},
		{
			name:     "debug level string",
			opts:     []log.Option{log.WithLevel("debug")},
			contains: []string{"Debug record"},
		},
		{
			name:   "error level const",
			opts:   []log.Option{log.WithLevel(slog.LevelError)},
			absent: []string{"Service registered"},
		},
		{
			name:     "json format",
			opts:     []log.Option{log.WithFormat("json")},
			contains: []string{`"msg":"Service registered"`},
		},
		{
			name:     "component",
			opts:     []log.Option{log.WithComponent(" bus ")},
			contains: []string{"component=bus"},
		},
		{
			name:   "blank component",
			opts:   []log.Option{log.WithComponent("  ")},
			absent: []string{"component="},
		},
		{
			name:     "invalid level keeps default",
			opts:     []log.Option{log.WithLevel("foo")},
			contains: []string{"Service registered"},
			absent:   []string{"Debug record"},
		},
		{
			name:     "invalid format keeps default",
			opts:     []log.Option{log.WithFormat("bar")},
			contains: []string{"level=INFO"},
		},
		{
			name:     "add source",
			opts:     []log.Option{log.WithAddSource(true)},
			contains: []string{"source="},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			opts := append([]log.Option{log.WithWriter(&buf)}, tc.opts...)
			logger := log.New(opts...)
			require.NotNil(t, logger)

			logger.Debug("Debug record")
			logger.Info("Service registered")

			out := buf.String()
			for _, s := range tc.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tc.absent {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestNew_NilWriter(t *testing.T) {
	require.NotNil(t, log.New(log.WithWriter(nil)))
}

func TestComponentAndError(t *testing.T) {
	var buf bytes.Buffer
	logger := log.Component(log.New(log.WithWriter(&buf), log.WithFormat(log.FormatJSON)), "modules")
	logger.Error("Module failed to load", log.Error(assert.AnError))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "modules", rec[log.KeyComponent])
	assert.Equal(t, assert.AnError.Error(), rec[log.KeyError])
}

func TestDiscard(t *testing.T) {
	logger := log.Discard()
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelError))
}

func TestParseLevel(t *testing.T) {
	type test struct {
		in      string
		want    slog.Level
		wantErr bool
	}

	tests := []test{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"DEBUG", slog.LevelDebug, false},
		{"Warn", slog.LevelWarn, false},
		{"error-8", slog.LevelInfo, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := log.ParseLevel(tc.in)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	type test struct {
		in      string
		want    log.Format
		wantErr bool
	}

	tests := []test{
		{"text", log.FormatText, false},
		{"json", log.FormatJSON, false},
		{"JSON", log.FormatJSON, false},
		{"Text", log.FormatText, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := log.ParseFormat(tc.in)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "text", log.FormatText.String())
	assert.Equal(t, "json", log.FormatJSON.String())
}
