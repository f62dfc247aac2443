package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/wavelink/internal/config"
)

func TestApplyHost(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, applyHost(cfg, " 192.168.1.20 "))
	assert.Equal(t, "192.168.1.20", cfg.Guest.Host)
	assert.Equal(t, 8988, cfg.Guest.ControlPort)

	require.NoError(t, applyHost(cfg, "tablet.local:9000"))
	assert.Equal(t, "tablet.local", cfg.Guest.Host)
	assert.Equal(t, 9000, cfg.Guest.ControlPort)

	for _, bad := range []string{"", "a b", "ws://x", "host:0", "host:abc", ":8988"} {
		assert.Error(t, applyHost(config.Default(), bad), bad)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"host", "guest", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestGuestNeedsHost(t *testing.T) {
	t.Setenv("WAVELINK_GUEST_HOST", "")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	file := filepath.Join(t.TempDir(), "wavelink.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log_level: warn\n"), 0o600))

	root.SetArgs([]string{"guest", "--config", file})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no host given")
}
