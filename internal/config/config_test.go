package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdivert/internal/rules"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "netdivert.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	sess := cfg.Session()
	assert.Equal(t, uint64(16384), sess.QueueLength)
	assert.Equal(t, uint64(8000), sess.QueueTime)
	assert.Equal(t, uint64(32<<20), sess.QueueSize)
	assert.Equal(t, "tcp", sess.Filter)

	if runtime.GOOS == "windows" {
		assert.Equal(t, BackendWinDivert, cfg.ResolvedBackend())
	} else {
		assert.Equal(t, BackendPcap, cfg.ResolvedBackend())
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
capture:
  backend: replay
  filter: "tcp port 80"
  replay_input: in.pcap
  queue_time: 2s
workers: 3
log:
  level: debug
analysis:
  burst_threshold: 5
rules:
  drop_ports: [23]
  redirects:
    - {from: 80, to: 8080}
  block:
    - {client: "10.0.0.5:5000", server: "1.1.1.1:443"}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendReplay, cfg.ResolvedBackend())
	assert.Equal(t, "tcp port 80", cfg.Capture.Filter)
	assert.Equal(t, uint64(2000), cfg.Session().QueueTime)
	assert.Equal(t, uint64(16384), cfg.Session().QueueLength, "unset values keep defaults")
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Analysis.BurstThreshold)
	assert.Equal(t, 1024, cfg.Analysis.NameCacheSize)
	assert.Equal(t, []uint16{23}, cfg.Rules.DropPorts)
	assert.Equal(t, []rules.Redirect{{From: 80, To: 8080}}, cfg.Rules.Redirects)
	assert.Len(t, cfg.Rules.Block, 1)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "capture: ["))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "capture: {backend: carrier-pigeon}"))
	assert.ErrorContains(t, err, "unknown capture backend")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"replay without input": func(c *Config) { c.Capture.Backend = BackendReplay },
		"negative workers":     func(c *Config) { c.Workers = -1 },
		"cache size":           func(c *Config) { c.Analysis.NameCacheSize = 0 },
		"flush interval":       func(c *Config) { c.Store.Path = "x.db"; c.Store.FlushInterval = 0 },
		"bad rule":             func(c *Config) { c.Rules.Redirects = []rules.Redirect{{From: 1, To: 1}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "workers: 1\n")

	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logrus.NewEntry(logger), func(c Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "workers: [\n")
	time.Sleep(2 * debounce)
	writeFile(t, dir, "workers: 7\n")

	select {
	case cfg := <-got:
		assert.Equal(t, 7, cfg.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
}
