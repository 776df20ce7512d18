package confab

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 9080, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Server.Workers)
	assert.Equal(t, 240, cfg.Server.ListPageSize)
	assert.EqualValues(t, 64*1024, cfg.Server.maxPayload)
	assert.EqualValues(t, 4*1024, cfg.Server.maxStatusBytes)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, 5*time.Second, cfg.Gossip.periodDur)
	assert.Equal(t, 7500*time.Millisecond, cfg.StatusWindow())
	assert.Equal(t, 10*time.Second, cfg.Upstream.timeoutDur)
	assert.Equal(t, 200*time.Millisecond, cfg.Upstream.backoffDur)
	assert.Equal(t, 3, cfg.Upstream.Attempts)
	assert.Equal(t, log.InfoLevel, cfg.LogLevel())
	assert.Zero(t, cfg.Logging.logStatsEveryDur)
}

func TestParseConfigValues(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 8000
  workers: 4
  listPageSize: 10
  maxPayload: 1mb
  maxStatusBytes: "512"
storage:
  path: /var/lib/confab
gossip:
  nodeID: s01
  period: 2s
  peers:
    - http://sclork-s02.local:9080/
    - " https://sclork-s03.local "
    - ""
upstream:
  url: http://hub.local:9080/
  timeout: 3s
  attempts: 5
  backoff: 50ms
logging:
  level: debug
  logStatsEvery: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 10, cfg.Server.ListPageSize)
	assert.EqualValues(t, 1<<20, cfg.Server.maxPayload)
	assert.EqualValues(t, 512, cfg.Server.maxStatusBytes)
	assert.Equal(t, "/var/lib/confab", cfg.Storage.Path)
	assert.Equal(t, "s01", cfg.Gossip.NodeID)
	assert.Equal(t, 3*time.Second, cfg.StatusWindow())
	assert.Equal(t, []string{"http://sclork-s02.local:9080", "https://sclork-s03.local"}, cfg.Gossip.Peers)
	assert.Equal(t, "http://hub.local:9080", cfg.Upstream.URL)
	assert.Equal(t, 3*time.Second, cfg.Upstream.timeoutDur)
	assert.Equal(t, 5, cfg.Upstream.Attempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Upstream.backoffDur)
	assert.Equal(t, log.DebugLevel, cfg.LogLevel())
	assert.Equal(t, time.Minute, cfg.Logging.logStatsEveryDur)
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"server.workers":        "server: {workers: -1}",
		"server.listPageSize":   "server: {listPageSize: -3}",
		"server.maxPayload":     "server: {maxPayload: lots}",
		"server.maxStatusBytes": "server: {maxStatusBytes: '0'}",
		"gossip.period":         "gossip: {period: soon}",
		"gossip.peers":          "gossip: {peers: [sclork-s02.local]}",
		"upstream.url":          "upstream: {url: 'ftp://hub'}",
		"upstream.timeout":      "upstream: {timeout: -1s}",
		"logging.level":         "logging: {level: loud}",
		"logging.logStatsEvery": "logging: {logStatsEvery: x}",
	}
	for field, doc := range cases {
		_, err := ParseConfig([]byte(doc))
		require.Error(t, err, field)
		assert.Contains(t, err.Error(), field)
	}

	_, err := ParseConfig([]byte("server: ["))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":  512,
		"4kb":  4096,
		"4K":   4096,
		"1.5m": 3 << 19,
		"2 GB": 2 << 30,
		"100b": 100,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "kb", "-1", "ten"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "4kb", formatBytes(4096))
	assert.Equal(t, "1.5mb", formatBytes(3<<19))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}
