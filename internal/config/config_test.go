package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	o, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", o.Store.Driver)
	assert.Equal(t, 8888, o.Mesh.Port)
	assert.Equal(t, 8889, o.Mesh.DiscoveryPort)
	assert.Equal(t, "RELIEF_MESH", o.Mesh.Tag)
	assert.Equal(t, 8887, o.LAN.Port)
	assert.Equal(t, "/sync", o.LAN.Path)
	assert.Equal(t, ".json", o.Cloud.Suffix)
	assert.Equal(t, 5*time.Second, o.Cloud.Timeout)
	assert.Equal(t, 5*time.Second, o.Mode.Interval)
	assert.Equal(t, 30*time.Second, o.Mode.SyncInterval)
	assert.Equal(t, []string{"8.8.8.8:53", "1.1.1.1:53"}, o.Mode.ProbeTargets)
	assert.Equal(t, time.Hour, o.History.Window)
	assert.Equal(t, 100, o.History.Limit)
	assert.Equal(t, "emergency_requests", o.Cloud.Paths["emergency_requests"])
	assert.Equal(t, "_reliefnet._tcp", o.Discovery.Service)
	assert.False(t, o.Mode.PreferLAN)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "relief.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mesh:
  port: 9999
cloud:
  base_url: https://relief.example.org
mode:
  prefer_lan: true
`), 0o600))
	t.Setenv("RELIEF_MESH_PORT", "7777")
	t.Setenv("RELIEF_MODE_SYNC_INTERVAL", "1m")

	o, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, o.Mesh.Port)
	assert.Equal(t, "https://relief.example.org", o.Cloud.BaseURL)
	assert.Equal(t, time.Minute, o.Mode.SyncInterval)
	assert.True(t, o.Mode.PreferLAN)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RELIEF_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RELIEF_LOG_LEVEL") })

	o, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", o.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("does-not-exist.yaml")
	require.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := New("")
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("store.dsn", "", "")
	fs.Bool("verbose", false, "")
	require.NoError(t, fs.Parse([]string{"--store.dsn=/tmp/x.db"}))
	require.NoError(t, c.BindFlags(fs))

	o, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", o.Store.DSN)
}
