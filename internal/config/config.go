// Package config handles configuration loading and validation for the ssehub
// server binary.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for string parsing ("15s", "1m") in both YAML
// and TOML files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the server configuration.
type Config struct {
	Addr      string `yaml:"addr" toml:"addr"`
	AdminAddr string `yaml:"admin_addr" toml:"admin_addr"` // serves /admin/ when set
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFile   string `yaml:"log_file" toml:"log_file"`

	Storage   string `yaml:"storage" toml:"storage"`     // storage DSN, e.g. memory://?size=1000
	Transport string `yaml:"transport" toml:"transport"` // transport DSN, e.g. local://

	AllowAnonymous  bool   `yaml:"allow_anonymous" toml:"allow_anonymous"`
	Subscriptions   bool   `yaml:"subscriptions" toml:"subscriptions"`
	CORSAllowOrigin string `yaml:"cors_allow_origin" toml:"cors_allow_origin"`

	JWT JWTConfig `yaml:"jwt" toml:"jwt"`

	KeepAlive   Duration `yaml:"keepalive" toml:"keepalive"`
	ConnBufSize uint     `yaml:"conn_buf_size" toml:"conn_buf_size"`
	QueueSize   int      `yaml:"queue_size" toml:"queue_size"`
}

// JWTConfig holds the keys tokens are verified with. Key is used for both
// publishers and subscribers unless the specific key is set.
type JWTConfig struct {
	Key           string   `yaml:"key" toml:"key"`
	PublisherKey  string   `yaml:"publisher_key" toml:"publisher_key"`
	SubscriberKey string   `yaml:"subscriber_key" toml:"subscriber_key"`
	Algorithms    []string `yaml:"algorithms" toml:"algorithms"`
}

// PublisherKeyOrDefault returns the key publisher tokens are verified with.
func (j JWTConfig) PublisherKeyOrDefault() string {
	if j.PublisherKey != "" {
		return j.PublisherKey
	}
	return j.Key
}

// SubscriberKeyOrDefault returns the key subscriber tokens are verified with.
func (j JWTConfig) SubscriberKeyOrDefault() string {
	if j.SubscriberKey != "" {
		return j.SubscriberKey
	}
	return j.Key
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		LogLevel:    "info",
		Storage:     "memory://?size=1000",
		Transport:   "local://",
		KeepAlive:   Duration{15 * time.Second},
		ConnBufSize: 256,
		QueueSize:   1024,
		JWT: JWTConfig{
			Algorithms: []string{"HS256"},
		},
	}
}

// ErrUnknownFormat is returned for config files that are neither YAML nor
// TOML.
var ErrUnknownFormat = errors.New("unknown config file format")

// Load reads configuration from the given path. If path is empty, starts from
// the defaults. The format is chosen by file extension: .yaml, .yml or .toml.
// Overrides are applied after the file, before defaults fill unset options
// and the result is validated.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		case ".toml":
			err = toml.Unmarshal(data, &cfg)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	for _, o := range overrides {
		o(&cfg)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.Storage == "" {
		c.Storage = defaults.Storage
	}
	if c.Transport == "" {
		c.Transport = defaults.Transport
	}
	if c.KeepAlive.Duration == 0 {
		c.KeepAlive = defaults.KeepAlive
	}
	if c.ConnBufSize == 0 {
		c.ConnBufSize = defaults.ConnBufSize
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaults.QueueSize
	}
	if len(c.JWT.Algorithms) == 0 {
		c.JWT.Algorithms = defaults.JWT.Algorithms
	}
}

var algorithms = map[string]bool{"HS256": true, "HS384": true, "HS512": true}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = errs.Append("log_level", err)
	}
	if err := validDSN(c.Storage); err != nil {
		errs = errs.Append("storage", err)
	}
	if err := validDSN(c.Transport); err != nil {
		errs = errs.Append("transport", err)
	}
	if c.KeepAlive.Duration < 0 {
		errs = errs.Append("keepalive", fmt.Errorf("must not be negative, got %s", c.KeepAlive.Duration))
	}
	if c.QueueSize < 0 {
		errs = errs.Append("queue_size", fmt.Errorf("must not be negative, got %d", c.QueueSize))
	}
	if c.AdminAddr != "" && c.AdminAddr == c.Addr {
		errs = errs.Append("admin_addr", errors.New("must differ from addr"))
	}
	for i, alg := range c.JWT.Algorithms {
		if !algorithms[alg] {
			errs = errs.Append(fmt.Sprintf("jwt.algorithms[%d]", i), fmt.Errorf("unsupported algorithm %q", alg))
		}
	}
	if c.JWT.SubscriberKeyOrDefault() == "" && !c.AllowAnonymous {
		errs = errs.Append("jwt.subscriber_key", errors.New("required unless allow_anonymous is set"))
	}

	return errs.ToError()
}

func validDSN(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return err
	}
	if u.Scheme == "" {
		return fmt.Errorf("missing scheme in %q", dsn)
	}
	return nil
}
