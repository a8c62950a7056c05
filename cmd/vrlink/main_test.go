package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRoot(t *testing.T) {
	root := buildRoot()
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))

	for _, path := range [][]string{
		{"serve"}, {"status"}, {"scan"}, {"recover"}, {"timers"}, {"history"},
		{"service", "state"}, {"service", "startup"},
		{"link", "start"}, {"link", "stop"}, {"link", "reset"},
		{"ignore", "list"}, {"ignore", "add"}, {"ignore", "remove"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name(), path)
	}

	startup, _, err := root.Find([]string{"service", "startup"})
	require.NoError(t, err)
	assert.NotNil(t, startup.Flags().Lookup("mode"))
	assert.NotNil(t, startup.Flags().Lookup("api-url"))

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	for _, f := range []string{"daemonize", "pidfile", "logfile"} {
		assert.NotNil(t, serve.Flags().Lookup(f), f)
	}
}

func TestServiceStartupRequiresMode(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"service", "startup", "OVRService", "--api-url", "http://127.0.0.1:1/api"})
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))
	err := root.Execute()
	assert.ErrorContains(t, err, `required flag(s) "mode" not set`)
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[service]\nbackend = \"carrier-pigeon\"\n"), 0o600))
	root := buildRoot()
	root.SetArgs([]string{"serve", path})
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))
	assert.ErrorContains(t, root.Execute(), "error loading config")
}

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vrlink.pid")
	require.NoError(t, writePidFile(path, 4242))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(4242), string(b))

	require.NoError(t, removePidFile(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(""))
}

func TestIsDaemonChild(t *testing.T) {
	t.Setenv(daemonEnv, "")
	assert.False(t, isDaemonChild())
	t.Setenv(daemonEnv, "1")
	assert.True(t, isDaemonChild())
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }
