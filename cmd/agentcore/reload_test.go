package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
)

type fakeReconfigurer struct {
	mu      sync.Mutex
	applied []*config.AgentConfig
}

func (f *fakeReconfigurer) Reconfigure(cfg *config.AgentConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cfg)
	return nil
}

func (f *fakeReconfigurer) last() *config.AgentConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return nil
	}
	return f.applied[len(f.applied)-1]
}

func (f *fakeReconfigurer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestConfigWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	writeConfig(t, path, "agent:\n  maxIterations: 3\n")
	target := &fakeReconfigurer{}

	w, err := newConfigWatcher(path, target, newLogger(io.Discard, "debug"))
	require.NoError(t, err)

	t.Run("valid file is applied", func(t *testing.T) {
		writeConfig(t, path, "agent:\n  maxIterations: 7\n  allowedTools: [search]\n")
		require.NoError(t, w.reload())
		require.NotNil(t, target.last())
		assert.Equal(t, 7, target.last().MaxIterations)
		assert.Equal(t, []string{"search"}, target.last().AllowedTools)
	})

	t.Run("invalid file keeps current config", func(t *testing.T) {
		before := target.count()
		writeConfig(t, path, "agent:\n  maxIterations: -1\n")
		require.Error(t, w.reload())
		assert.Equal(t, before, target.count())
	})

	require.NoError(t, w.watcher.Close())
}

func TestConfigWatcherRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	writeConfig(t, path, "agent:\n  maxIterations: 3\n")
	target := &fakeReconfigurer{}

	w, err := newConfigWatcher(path, target, newLogger(io.Discard, "info"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeConfig(t, path, "agent:\n  maxIterations: 9\n")
	assert.Eventually(t, func() bool {
		cfg := target.last()
		return cfg != nil && cfg.MaxIterations == 9
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARN").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
