package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/maildispatch/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	cmd := newRootCmd()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DB.Dir = filepath.Join(t.TempDir(), "dbs")
	cfg.Receiver.Listen = "127.0.0.1:0"
	cfg.Sender.Workers = 2
	cfg.Sender.IntervalEmpty = 0.01
	cfg.Sender.IntervalNext = 0
	cfg.Sender.StopPoll = 0.01
	cfg.SMTP.DryRun = true
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = false
	return cfg
}

func TestRootCommand(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "length-prefixed TCP protocol")

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "maildispatch dev")
}

func TestConfigGenerateAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maildispatch.conf")

	out, err := execute(t, "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = execute(t, "config", "generate", path)
	assert.Error(t, err, "existing files are not overwritten")

	out, err = execute(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is VALID")
	assert.Contains(t, out, "Workers: 1")

	require.NoError(t, os.WriteFile(path, []byte("[sender]\nworkers = 0\n"), 0644))
	_, err = execute(t, "config", "validate", path)
	assert.Error(t, err)
}

func TestServerRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	a, err := newApp(cfg)
	require.NoError(t, err)
	require.NoError(t, a.start(context.Background()))
	addr := a.receiver.Addr().String()

	out, err := execute(t, "send", "--addr", addr,
		"--from", "News <news@example.com>",
		"--subject", "Hello {{name}}",
		"--text", "Hi {{name}}",
		"--to", "Ann <ann@example.com>",
		"--part", "name=Ann",
		"--group", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 1 recipients queued")

	require.Eventually(t, func() bool {
		g, ok := a.store.Groups.Get(7)
		return ok && g.Sent == 1
	}, 5*time.Second, 10*time.Millisecond)

	out, err = execute(t, "group", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "active")

	out, err = execute(t, "status", "--addr", addr, "7", "paused")
	require.NoError(t, err)
	assert.Contains(t, out, "Group 7 is paused")

	_, err = execute(t, "status", "--addr", addr, "8", "paused")
	assert.ErrorContains(t, err, "group not found")

	out, err = execute(t, "stats", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, `"messages": 1`)

	_, err = execute(t, "send", "--addr", addr, "--from", "news@example.com", "--subject", "s")
	assert.ErrorContains(t, err, "--to")

	require.NoError(t, a.shutdown())
	for _, name := range []string{"messages", "tos", "groups"} {
		assert.FileExists(t, filepath.Join(cfg.DB.Dir, name+".db"))
	}

	// state survives a restart
	b, err := newApp(cfg)
	require.NoError(t, err)
	defer b.shutdown()
	assert.Equal(t, 1, b.store.Messages.Len())
	g, ok := b.store.Groups.Get(7)
	require.True(t, ok)
	assert.Equal(t, int64(1), g.Sent)
	assert.Equal(t, "paused", string(g.Status))
}
