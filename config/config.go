package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Betstream BetstreamConfig `yaml:"betstream"`
	Stream    StreamConfig    `yaml:"stream"`
	Auth      AuthConfig      `yaml:"auth"`
	Rest      RestConfig      `yaml:"rest"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BetstreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StreamConfig struct {
	Endpoint     string          `yaml:"endpoint"`
	Markets      []string        `yaml:"markets"`
	OrderStream  bool            `yaml:"order_stream"`
	HeartbeatMs  int             `yaml:"heartbeat_ms"`
	ConflateMs   int             `yaml:"conflate_ms"`
	LadderLevels int             `yaml:"ladder_levels"`
	ReadBuffer   int             `yaml:"read_buffer_bytes"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	InsecureTLS  bool            `yaml:"insecure_tls"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type AuthConfig struct {
	AppKey   string `yaml:"app_key"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type RestConfig struct {
	LoginURL  string        `yaml:"login_url"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	Data        BucketConfig `yaml:"data"`
	Navigation  BucketConfig `yaml:"navigation"`
	Transaction BucketConfig `yaml:"transaction"`
}

type BucketConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type BridgeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"`
	Interval   time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	MaxAge    int    `yaml:"max_age"`
	Namespace string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Stream: StreamConfig{
			HeartbeatMs:  5000,
			LadderLevels: 3,
			Reconnect: ReconnectConfig{
				MaxAttempts: 6,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
		Rest: RestConfig{
			Timeout:   10 * time.Second,
			KeepAlive: 15 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Recorder: RecorderConfig{FlushInterval: 30 * time.Second},
		Bridge:   BridgeConfig{ListenAddr: ":8080", Interval: time.Second},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present so the file can be
	// committed without secrets.
	if v := os.Getenv("EXCHANGE_APP_KEY"); v != "" {
		config.Auth.AppKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("EXCHANGE_USERNAME"); v != "" {
		config.Auth.Username = strings.TrimSpace(v)
	}
	if v := os.Getenv("EXCHANGE_PASSWORD"); v != "" {
		config.Auth.Password = strings.TrimSpace(v)
	}
	if config.Recorder.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Recorder.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Recorder.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Recorder.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Recorder.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Betstream.Name == "" {
		return fmt.Errorf("betstream.name is required")
	}
	if cfg.Betstream.Version == "" {
		return fmt.Errorf("betstream.version is required")
	}
	if cfg.Stream.Endpoint == "" {
		return fmt.Errorf("stream.endpoint is required")
	}
	if cfg.Stream.LadderLevels != 3 && cfg.Stream.LadderLevels != 5 && cfg.Stream.LadderLevels != 10 {
		return fmt.Errorf("stream.ladder_levels must be 3, 5 or 10")
	}
	if cfg.Stream.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("stream.reconnect.max_attempts must be greater than 0")
	}
	if cfg.Stream.Reconnect.BaseDelay <= 0 || cfg.Stream.Reconnect.MaxDelay < cfg.Stream.Reconnect.BaseDelay {
		return fmt.Errorf("stream.reconnect delays are invalid")
	}
	if cfg.Rest.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("rest.retry.max_attempts must be greater than 0")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.S3.Bucket == "" {
			return fmt.Errorf("recorder.s3.bucket is required when the recorder is enabled")
		}
		if cfg.Recorder.S3.Region == "" {
			return fmt.Errorf("recorder.s3.region is required when the recorder is enabled")
		}
		if cfg.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder.flush_interval must be greater than 0")
		}
	}
	if cfg.Bridge.Enabled && cfg.Bridge.ListenAddr == "" {
		return fmt.Errorf("bridge.listen_addr is required when the bridge is enabled")
	}
	return nil
}
