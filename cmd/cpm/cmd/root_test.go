package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	root := NewRootCmd()

	expected := []string{
		"build", "query", "install", "uninstall", "publish",
		"replay", "diff", "update", "verify", "stats",
	}
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, names[name], "missing subcommand %s", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	root := NewRootCmd()
	assert.NotNil(t, root.PersistentFlags().Lookup("workspace"))
	assert.NotNil(t, root.PersistentFlags().Lookup("json"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestParseAsOf(t *testing.T) {
	at, err := parseAsOf("2026-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), at)

	// Bare dates resolve to end of day.
	at, err = parseAsOf("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 23, at.Hour())

	_, err = parseAsOf("yesterday")
	assert.Error(t, err)
}
