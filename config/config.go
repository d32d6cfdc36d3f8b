package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Candleflow CandleflowConfig `yaml:"candleflow"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Cache      CacheConfig      `yaml:"cache"`
	Fetcher    FetcherConfig    `yaml:"fetcher"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Lake       LakeConfig       `yaml:"lake"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type CandleflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ArchiveConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type CacheConfig struct {
	Dir string `yaml:"dir"`
	// Mirror enables read-through/write-back of archive files to the
	// configured S3 bucket under the same key layout.
	Mirror bool `yaml:"mirror"`
}

type FetcherConfig struct {
	MaxWorkers       int  `yaml:"max_workers"`
	AbortOnMalformed bool `yaml:"abort_on_malformed"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the Postgres connection string consumed by the store.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LakeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
}

type JobsConfig struct {
	// Retention bounds how many terminal jobs the tracker keeps before
	// evicting the oldest.
	Retention int `yaml:"retention"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
	Dashboard  string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads the yaml configuration file, applies environment variable
// overrides for credentials, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			BaseURL: "https://data.binance.vision",
			Timeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         1,
			},
			Retry: RetryConfig{
				MaxAttempts:       4,
				BaseDelay:         time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Cache: CacheConfig{Dir: "data"},
		Fetcher: FetcherConfig{
			MaxWorkers: 4,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "my_timescale_db",
			User:    "postgres",
			SSLMode: "disable",
		},
		Lake: LakeConfig{
			Prefix:      "lake",
			Compression: "snappy",
		},
		Jobs:    JobsConfig{Retention: 100},
		Server:  ServerConfig{Addr: ":5001"},
		Metrics: MetricsConfig{Namespace: "Candleflow", Dashboard: "Candleflow"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = strings.TrimSpace(v)
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Candleflow.Name == "" {
		return fmt.Errorf("candleflow.name is required")
	}
	if cfg.Candleflow.Version == "" {
		return fmt.Errorf("candleflow.version is required")
	}

	if cfg.Archive.BaseURL == "" {
		return fmt.Errorf("archive.base_url is required")
	}
	if cfg.Archive.Timeout <= 0 {
		return fmt.Errorf("archive.timeout must be greater than 0")
	}
	if cfg.Archive.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("archive.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Archive.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("archive.rate_limit.burst_size must be greater than 0")
	}
	if cfg.Archive.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("archive.retry.max_attempts must be greater than 0")
	}
	if cfg.Archive.Retry.BaseDelay <= 0 || cfg.Archive.Retry.MaxDelay < cfg.Archive.Retry.BaseDelay {
		return fmt.Errorf("archive.retry delays are invalid")
	}
	if cfg.Archive.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("archive.retry.backoff_multiplier must be at least 1")
	}

	if cfg.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}

	if cfg.Fetcher.MaxWorkers <= 0 {
		return fmt.Errorf("fetcher.max_workers must be greater than 0")
	}

	if cfg.Database.Host == "" || cfg.Database.Name == "" || cfg.Database.User == "" {
		return fmt.Errorf("database.host, database.name and database.user are required")
	}

	if cfg.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be greater than 0")
	}

	if (cfg.Cache.Mirror || cfg.Lake.Enabled) && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("storage.s3 must be enabled when cache.mirror or lake.enabled is set")
	}
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
