package confab

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           int    `yaml:"port"`
		Workers        int    `yaml:"workers"`
		ListPageSize   int    `yaml:"listPageSize"`
		MaxPayload     string `yaml:"maxPayload"`
		MaxStatusBytes string `yaml:"maxStatusBytes"`

		maxPayload     int64
		maxStatusBytes int64
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Gossip struct {
		NodeID string   `yaml:"nodeID"`
		Period string   `yaml:"period"`
		Peers  []string `yaml:"peers"`

		periodDur time.Duration
	} `yaml:"gossip"`

	Upstream struct {
		URL      string `yaml:"url"`
		Timeout  string `yaml:"timeout"`
		Attempts int    `yaml:"attempts"`
		Backoff  string `yaml:"backoff"`

		timeoutDur time.Duration
		backoffDur time.Duration
	} `yaml:"upstream"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		level            log.Level
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9080
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 16
	}
	if cfg.Server.ListPageSize == 0 {
		cfg.Server.ListPageSize = 240
	}
	if cfg.Server.Workers < 0 {
		return Config{}, fmt.Errorf("server.workers: must be positive")
	}
	if cfg.Server.ListPageSize < 0 {
		return Config{}, fmt.Errorf("server.listPageSize: must be positive")
	}
	var err error
	if cfg.Server.maxPayload, err = parseSizeDefault(cfg.Server.MaxPayload, "64kb"); err != nil {
		return Config{}, fmt.Errorf("server.maxPayload: %w", err)
	}
	if cfg.Server.maxStatusBytes, err = parseSizeDefault(cfg.Server.MaxStatusBytes, "4kb"); err != nil {
		return Config{}, fmt.Errorf("server.maxStatusBytes: %w", err)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}

	if cfg.Gossip.periodDur, err = parseDurationDefault(cfg.Gossip.Period, 5*time.Second); err != nil {
		return Config{}, fmt.Errorf("gossip.period: %w", err)
	}
	if cfg.Gossip.Peers, err = normalizePeers(cfg.Gossip.Peers); err != nil {
		return Config{}, fmt.Errorf("gossip.peers: %w", err)
	}

	if cfg.Upstream.URL != "" {
		peers, err := normalizePeers([]string{cfg.Upstream.URL})
		if err != nil {
			return Config{}, fmt.Errorf("upstream.url: %w", err)
		}
		cfg.Upstream.URL = peers[0]
	}
	if cfg.Upstream.timeoutDur, err = parseDurationDefault(cfg.Upstream.Timeout, 10*time.Second); err != nil {
		return Config{}, fmt.Errorf("upstream.timeout: %w", err)
	}
	if cfg.Upstream.backoffDur, err = parseDurationDefault(cfg.Upstream.Backoff, 200*time.Millisecond); err != nil {
		return Config{}, fmt.Errorf("upstream.backoff: %w", err)
	}
	if cfg.Upstream.Attempts == 0 {
		cfg.Upstream.Attempts = 3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.level, err = log.ParseLevel(cfg.Logging.Level); err != nil {
		return Config{}, fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	return cfg, nil
}

func (c Config) LogLevel() log.Level { return c.Logging.level }

// StatusWindow is how long a peer's last status stays fresh.
func (c Config) StatusWindow() time.Duration { return c.Gossip.periodDur * 3 / 2 }

func parseSizeDefault(s, def string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		s = def
	}
	n, err := parseBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

func normalizePeers(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for i, p := range in {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("[%d]: %q is not an http(s) base URL", i, p)
		}
		out = append(out, p)
	}
	return out, nil
}
