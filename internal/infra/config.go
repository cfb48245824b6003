package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"markethub/internal/domain"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FeatureConfig binds a feature to its public listening ports.
type FeatureConfig struct {
	Name   string `yaml:"name"`
	Port   int    `yaml:"port"`
	WSPort int    `yaml:"ws_port"` // 0 disables the WebSocket endpoint
}

// ProducerConfig describes an upstream feed the hub may connect to.
type ProducerConfig struct {
	Feed           domain.FeedType `yaml:"feed"`
	Addr           string          `yaml:"addr"`
	ConnectOnStart bool            `yaml:"connect_on_start"`
}

// HubConfig holds data-plane tuning.
type HubConfig struct {
	BufferSize       int           `yaml:"buffer_size"`   // slots per feed, power of two
	SlotCapacity     int           `yaml:"slot_capacity"` // bytes per slot
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	ReadPollInterval time.Duration `yaml:"read_poll_interval"`
	IdleSpins        int           `yaml:"idle_spins"`
	IdleBackoff      time.Duration `yaml:"idle_backoff"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`

	// connect_on_start dials are retried while the error is retriable
	ConnectRetries int           `yaml:"connect_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 일부 값을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Hub       HubConfig        `yaml:"hub"`
	Features  []FeatureConfig  `yaml:"features"`
	Producers []ProducerConfig `yaml:"producers"`

	Admin struct {
		Addr string `yaml:"addr"` // empty disables the admin API
	} `yaml:"admin"`

	Storage struct {
		Enabled   bool   `yaml:"enabled"`
		Path      string `yaml:"path"`
		QueueSize int    `yaml:"queue_size"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// envOverrides lists the settings operators may change without editing the file.
type envOverrides struct {
	LogLevel    string `env:"MARKETHUB_LOG_LEVEL"`
	AdminAddr   string `env:"MARKETHUB_ADMIN_ADDR"`
	StoragePath string `env:"MARKETHUB_STORAGE_PATH"`
	BufferSize  int    `env:"MARKETHUB_BUFFER_SIZE"`
}

// DefaultHubConfig returns the data-plane defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:       1 << 14,
		SlotCapacity:     256,
		ReadBufferSize:   1 << 10,
		ReadPollInterval: 5 * time.Millisecond,
		IdleSpins:        64,
		IdleBackoff:      50 * time.Microsecond,
		WriteTimeout:     2 * time.Second,
		StopTimeout:      500 * time.Millisecond,
		DialTimeout:      5 * time.Second,
		ConnectRetries:   5,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    30 * time.Second,
	}
}

// DefaultConfig returns a configuration that serves the reference feature on port 10000.
func DefaultConfig() *Config {
	cfg := &Config{Hub: DefaultHubConfig()}
	cfg.App.Name = "markethub"
	cfg.Features = []FeatureConfig{{Name: "bid_offer_last_price", Port: 10000}}
	cfg.Admin.Addr = "localhost:6060"
	cfg.Storage.Path = "data/markethub.db"
	cfg.Storage.QueueSize = 1024
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.File = "markethub.log"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	return cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
// Values absent from the file keep their DefaultConfig value.
// An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if err := c.Hub.Validate(); err != nil {
		return err
	}

	if len(c.Features) == 0 {
		return domain.NewConfigError("features", errors.New("at least one feature is required"))
	}
	seen := make(map[int]string)
	claim := func(field string, port int) error {
		if port < 0 || port > 65535 {
			return domain.NewConfigError(field, fmt.Errorf("port %d out of range", port))
		}
		if port == 0 {
			return nil
		}
		if other, dup := seen[port]; dup {
			return domain.NewConfigError(field, fmt.Errorf("port %d already used by %s", port, other))
		}
		seen[port] = field
		return nil
	}
	for i, f := range c.Features {
		if f.Name == "" {
			return domain.NewConfigError(fmt.Sprintf("features[%d].name", i), errors.New("name is required"))
		}
		if err := claim(fmt.Sprintf("features[%d].port", i), f.Port); err != nil {
			return err
		}
		if err := claim(fmt.Sprintf("features[%d].ws_port", i), f.WSPort); err != nil {
			return err
		}
	}

	for i, p := range c.Producers {
		if !p.Feed.Valid() {
			return domain.NewConfigError(fmt.Sprintf("producers[%d].feed", i), domain.ErrUnknownFeedType)
		}
		if p.Addr == "" {
			return domain.NewConfigError(fmt.Sprintf("producers[%d].addr", i), errors.New("addr is required"))
		}
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		return domain.NewConfigError("storage.path", errors.New("path is required when storage is enabled"))
	}

	return nil
}

// Validate checks data-plane settings.
func (h HubConfig) Validate() error {
	if h.BufferSize <= 0 || h.BufferSize&(h.BufferSize-1) != 0 {
		return domain.NewConfigError("hub.buffer_size", domain.ErrBufferSizeNotPowerOfTwo)
	}
	if h.SlotCapacity <= 0 {
		return domain.NewConfigError("hub.slot_capacity", errors.New("must be positive"))
	}
	if h.ReadBufferSize <= 0 {
		return domain.NewConfigError("hub.read_buffer_size", errors.New("must be positive"))
	}
	if h.ReadPollInterval <= 0 {
		return domain.NewConfigError("hub.read_poll_interval", errors.New("must be positive"))
	}
	if h.IdleSpins < 0 || h.IdleBackoff < 0 {
		return domain.NewConfigError("hub.idle_backoff", errors.New("must not be negative"))
	}
	if h.WriteTimeout <= 0 || h.StopTimeout <= 0 || h.DialTimeout <= 0 {
		return domain.NewConfigError("hub.timeouts", errors.New("timeouts must be positive"))
	}
	if h.ConnectRetries < 0 || h.RetryBaseDelay < 0 || h.RetryMaxDelay < h.RetryBaseDelay {
		return domain.NewConfigError("hub.connect_retries", errors.New("retries and delays must not be negative, retry_max_delay >= retry_base_delay"))
	}
	return nil
}

// RetryDelay returns the wait before retry attempt (0-based): the base
// delay doubled per attempt, capped at the max delay.
func (h HubConfig) RetryDelay(attempt int) time.Duration {
	d := h.RetryBaseDelay
	for range attempt {
		if d >= h.RetryMaxDelay/2 {
			return h.RetryMaxDelay
		}
		d *= 2
	}
	return min(d, h.RetryMaxDelay)
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.AdminAddr != "" {
		cfg.Admin.Addr = o.AdminAddr
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.BufferSize != 0 {
		cfg.Hub.BufferSize = o.BufferSize
	}
	return nil
}
