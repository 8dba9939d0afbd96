// ABOUTME: Tests for CLI helpers: flag parsing, address rewriting and the colour log handler
// ABOUTME: Subcommands that need a running gateway are covered by the gateway package tests

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialAddr(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:8080":      "127.0.0.1:8080",
		":8080":             "127.0.0.1:8080",
		"[::]:5455":         "127.0.0.1:5455",
		"10.0.0.5:8080":     "10.0.0.5:8080",
		"gateway.local:443": "gateway.local:443",
		"not-an-address":    "not-an-address",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, dialAddr(in))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestParseFlags(t *testing.T) {
	var configPath string
	fs := newFlagSet("test", &configPath)
	ok, err := parseFlags(fs, []string{"--config", "gw.yaml"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gw.yaml", configPath)

	fs = newFlagSet("test", &configPath)
	ok, err = parseFlags(fs, []string{"extra"})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).With("component", "live")

	logger.Debug("hidden")
	logger.WithGroup("req").Info("instrument added", "id", "i-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF instrument added")
	assert.Contains(t, out, "component=live")
	assert.Contains(t, out, "req.id=i-1")
}
