// Package config loads service configuration from an optional YAML file
// overlaid by environment variables (and a .env file, when present).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
		// AutoMigrate applies the embedded migrations at startup.
		AutoMigrate bool `yaml:"auto_migrate"`
	} `yaml:"database"`
	Redis struct {
		// Addr enables the shared rule cache and the dispatch queue; empty disables both.
		Addr           string `yaml:"addr"`
		Password       string `yaml:"password"`
		DB             int    `yaml:"db"`
		CachePrefix    string `yaml:"cache_prefix"`
		DispatchPrefix string `yaml:"dispatch_prefix"`
	} `yaml:"redis"`
	Log struct {
		Level       string `yaml:"level"`
		SampleRate  int    `yaml:"sample_rate"`
		FilePath    string `yaml:"file_path"`
		MaxSizeMB   int    `yaml:"max_size_mb"`
		MaxBackups  int    `yaml:"max_backups"`
		MaxAgeDays  int    `yaml:"max_age_days"`
		OTELEnabled bool   `yaml:"otel_enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"log"`
	Rules struct {
		FetchTimeout         time.Duration `yaml:"fetch_timeout"`
		CacheTTL             time.Duration `yaml:"cache_ttl"`
		CacheSize            int           `yaml:"cache_size"`
		CacheRefreshSchedule string        `yaml:"cache_refresh_schedule"`
	} `yaml:"rules"`
	Recorder struct {
		QueueSize  int `yaml:"queue_size"`
		Workers    int `yaml:"workers"`
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"recorder"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	var c Config
	c.Server.Port = "8080"
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Redis.CachePrefix = "rules:cache"
	c.Redis.DispatchPrefix = "rules:dispatch"
	c.Log.Level = "INFO"
	c.Log.SampleRate = 1
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 5
	c.Log.MaxAgeDays = 30
	c.Log.ServiceName = "rules-service"
	c.Rules.FetchTimeout = 2 * time.Second
	c.Rules.CacheTTL = 5 * time.Minute
	c.Rules.CacheSize = 1024
	c.Rules.CacheRefreshSchedule = "@every 10m"
	c.Recorder.QueueSize = 1024
	c.Recorder.Workers = 2
	c.Recorder.MaxRetries = 3
	return &c
}

// Load reads .env (if present), then the YAML file at path (if not empty),
// then environment variables, each layer overriding the previous one.
// ${VAR} references in the YAML file are expanded.
func Load(path string) (*Config, error) {
	// a missing .env file is normal outside local development
	_ = godotenv.Load()

	c := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(file))), c); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Redis.CachePrefix, "REDIS_CACHE_PREFIX")
	setString(&c.Redis.DispatchPrefix, "REDIS_DISPATCH_PREFIX")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.FilePath, "LOG_FILE_PATH")
	setString(&c.Log.ServiceName, "OTEL_SERVICE_NAME")
	setString(&c.Rules.CacheRefreshSchedule, "CACHE_REFRESH_SCHEDULE")

	for _, s := range []struct {
		dst *int
		key string
	}{
		{&c.Redis.DB, "REDIS_DB"},
		{&c.Log.SampleRate, "ERROR_SAMPLE_RATE"},
		{&c.Rules.CacheSize, "RULE_CACHE_SIZE"},
		{&c.Recorder.QueueSize, "RECORDER_QUEUE_SIZE"},
		{&c.Recorder.Workers, "RECORDER_WORKERS"},
		{&c.Recorder.MaxRetries, "RECORDER_MAX_RETRIES"},
	} {
		if err := setInt(s.dst, s.key); err != nil {
			return err
		}
	}

	for _, s := range []struct {
		dst *time.Duration
		key string
	}{
		{&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT"},
		{&c.Rules.FetchTimeout, "RULE_FETCH_TIMEOUT"},
		{&c.Rules.CacheTTL, "RULE_CACHE_TTL"},
	} {
		if err := setDuration(s.dst, s.key); err != nil {
			return err
		}
	}

	if err := setBool(&c.Log.OTELEnabled, "OTEL_ENABLED"); err != nil {
		return err
	}
	return setBool(&c.Database.AutoMigrate, "AUTO_MIGRATE")
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Rules.FetchTimeout <= 0 {
		return errors.Newf("rule fetch timeout must be positive, got %s", c.Rules.FetchTimeout)
	}
	if c.Rules.CacheSize <= 0 {
		return errors.Newf("rule cache size must be positive, got %d", c.Rules.CacheSize)
	}
	if c.Recorder.QueueSize <= 0 || c.Recorder.Workers <= 0 {
		return errors.New("recorder queue size and workers must be positive")
	}
	if c.Recorder.MaxRetries < 0 {
		return errors.Newf("recorder max retries must not be negative, got %d", c.Recorder.MaxRetries)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s %q", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s %q", key, v)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s %q", key, v)
	}
	*dst = b
	return nil
}
