package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunOfflineCommands(t *testing.T) {
	handled, err := runOffline(options{cmd: "validate"})
	require.True(t, handled)
	require.NoError(t, err)

	handled, err = runOffline(options{cmd: "create"})
	require.True(t, handled)
	require.Error(t, err)

	dir := t.TempDir()
	handled, err = runOffline(options{cmd: "create", dir: dir, name: "add dlq index"})
	require.True(t, handled)
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(dir, "*_add_dlq_index.sql"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	body, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Contains(t, string(body), "-- +goose Up")

	handled, _ = runOffline(options{cmd: "up"})
	require.False(t, handled)
}

func TestSourceLabel(t *testing.T) {
	require.Equal(t, "embedded", sourceLabel(""))
	require.Equal(t, "pkg/migrate/migrations", sourceLabel("pkg/migrate/migrations"))
}
