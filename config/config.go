package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/waveline/feedsync/breaker"
	"github.com/waveline/feedsync/compression"
	"github.com/waveline/feedsync/invalidation"
	"github.com/waveline/feedsync/msgqueue"
	"github.com/waveline/feedsync/prewarm"
	"github.com/waveline/feedsync/pubsub"
	"github.com/waveline/feedsync/swr"
	"github.com/waveline/feedsync/utils/env"
)

// Config represents the full application configuration
type Config struct {
	// Valkey (open-source version of Redis) endpoint backing the remote
	// cache tier. Empty means local-only caching.
	// E.g., localhost:6379
	ValkeyEndpoint string

	// Port to listen for admin and metrics requests.
	Port int

	// Byte budget for the in-memory fallback cache.
	LocalCacheMaxBytes int64

	// Interval between expired-entry sweeps of the local cache.
	LocalCacheSweepInterval time.Duration

	// Directory holding the durable message-queue snapshot. Empty keeps
	// the queue in memory only.
	QueueDir string

	// Base URL of the record-oriented persistence backend.
	// E.g., https://api.example.com
	PersistBaseURL string

	// Bearer token for the persistence backend.
	PersistToken string

	Breaker      breaker.Config
	Compression  compression.Config
	Invalidation invalidation.Config
	Swr          swr.Config
	Prewarm      prewarm.Config
	Queue        msgqueue.Config
	PubSub       pubsub.Config
}

// fileConfig is the YAML-facing schema. Durations are strings like "45s"
// because the YAML parser has no native duration support.
type fileConfig struct {
	ValkeyEndpoint          string `yaml:"valkey_endpoint"`
	Port                    int    `yaml:"port"`
	LocalCacheMaxBytes      int64  `yaml:"local_cache_max_bytes"`
	LocalCacheSweepInterval string `yaml:"local_cache_sweep_interval"`
	QueueDir                string `yaml:"queue_dir"`
	PersistBaseURL          string `yaml:"persist_base_url"`
	PersistToken            string `yaml:"persist_token"`

	Breaker struct {
		FailureThreshold uint32 `yaml:"failure_threshold"`
		Cooldown         string `yaml:"cooldown"`
		CallTimeout      string `yaml:"call_timeout"`
	} `yaml:"breaker"`

	Compression struct {
		Threshold int `yaml:"threshold"`
		Level     int `yaml:"level"`
	} `yaml:"compression"`

	Invalidation struct {
		Rules      map[string][]string `yaml:"rules"`
		Namespaces []string            `yaml:"namespaces"`
	} `yaml:"invalidation"`

	Swr struct {
		SoftTTL        string `yaml:"soft_ttl"`
		HardTTL        string `yaml:"hard_ttl"`
		RefreshTimeout string `yaml:"refresh_timeout"`
	} `yaml:"swr"`

	Prewarm struct {
		Workers       int     `yaml:"workers"`
		QueueSize     int     `yaml:"queue_size"`
		RatePerSecond float64 `yaml:"rate_per_second"`
	} `yaml:"prewarm"`

	Queue struct {
		UserID       string `yaml:"user_id"`
		MaxRetries   int    `yaml:"max_retries"`
		RetryBase    string `yaml:"retry_base"`
		TickInterval string `yaml:"tick_interval"`
		SendTimeout  string `yaml:"send_timeout"`
	} `yaml:"queue"`

	PubSub struct {
		Channels      []string `yaml:"channels"`
		EventTypes    []string `yaml:"event_types"`
		ReconnectBase string   `yaml:"reconnect_base"`
		ReconnectMax  string   `yaml:"reconnect_max"`
	} `yaml:"pubsub"`
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	// Setting default values
	file := fileConfig{
		Port:               8080,
		LocalCacheMaxBytes: 64 * 1024 * 1024,
	}

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		// Handle URL or local path
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	file.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", file.ValkeyEndpoint)
	file.Port = env.OptionalIntVariable("PORT", file.Port)
	file.QueueDir = env.OptionalStringVariable("QUEUE_DIR", file.QueueDir)
	file.PersistBaseURL = env.OptionalStringVariable("PERSIST_BASE_URL", file.PersistBaseURL)
	file.PersistToken = env.OptionalStringVariable("PERSIST_TOKEN", file.PersistToken)
	file.Queue.UserID = env.OptionalStringVariable("SYNC_USER_ID", file.Queue.UserID)
	file.Breaker.FailureThreshold = uint32(env.OptionalIntVariable("BREAKER_FAILURE_THRESHOLD", int(file.Breaker.FailureThreshold)))
	file.Breaker.Cooldown = env.OptionalStringVariable("BREAKER_COOLDOWN", file.Breaker.Cooldown)
	file.Compression.Threshold = env.OptionalIntVariable("COMPRESSION_THRESHOLD", file.Compression.Threshold)
	file.Swr.SoftTTL = env.OptionalStringVariable("SWR_SOFT_TTL", file.Swr.SoftTTL)
	file.Prewarm.Workers = env.OptionalIntVariable("PREWARM_WORKERS", file.Prewarm.Workers)

	return file.build()
}

func (f *fileConfig) build() (*Config, error) {
	config := &Config{
		ValkeyEndpoint:     f.ValkeyEndpoint,
		Port:               f.Port,
		LocalCacheMaxBytes: f.LocalCacheMaxBytes,
		QueueDir:           f.QueueDir,
		PersistBaseURL:     f.PersistBaseURL,
		PersistToken:       f.PersistToken,
		Breaker: breaker.Config{
			FailureThreshold: f.Breaker.FailureThreshold,
		},
		Compression: compression.Config{
			Threshold: f.Compression.Threshold,
			Level:     f.Compression.Level,
		},
		Invalidation: invalidation.Config{
			Rules:      f.Invalidation.Rules,
			Namespaces: f.Invalidation.Namespaces,
		},
		Prewarm: prewarm.Config{
			Workers:       f.Prewarm.Workers,
			QueueSize:     f.Prewarm.QueueSize,
			RatePerSecond: f.Prewarm.RatePerSecond,
		},
		Queue: msgqueue.Config{
			UserID:     f.Queue.UserID,
			MaxRetries: f.Queue.MaxRetries,
		},
		PubSub: pubsub.Config{
			Channels:   f.PubSub.Channels,
			EventTypes: f.PubSub.EventTypes,
		},
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"local_cache_sweep_interval", f.LocalCacheSweepInterval, &config.LocalCacheSweepInterval},
		{"breaker.cooldown", f.Breaker.Cooldown, &config.Breaker.Cooldown},
		{"breaker.call_timeout", f.Breaker.CallTimeout, &config.Breaker.CallTimeout},
		{"swr.soft_ttl", f.Swr.SoftTTL, &config.Swr.SoftTTL},
		{"swr.hard_ttl", f.Swr.HardTTL, &config.Swr.HardTTL},
		{"swr.refresh_timeout", f.Swr.RefreshTimeout, &config.Swr.RefreshTimeout},
		{"queue.retry_base", f.Queue.RetryBase, &config.Queue.RetryBase},
		{"queue.tick_interval", f.Queue.TickInterval, &config.Queue.TickInterval},
		{"queue.send_timeout", f.Queue.SendTimeout, &config.Queue.SendTimeout},
		{"pubsub.reconnect_base", f.PubSub.ReconnectBase, &config.PubSub.ReconnectBase},
		{"pubsub.reconnect_max", f.PubSub.ReconnectMax, &config.PubSub.ReconnectMax},
	}
	for _, entry := range durations {
		if entry.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(entry.value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %v", entry.name, err)
		}
		*entry.dst = parsed
	}
	return config, nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
