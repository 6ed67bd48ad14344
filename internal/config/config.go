package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	FileName  = "taskboard.yml"
	EnvPrefix = "TASKBOARD"
)

// Config models taskboard.yml. Every key can be overridden from the
// environment, e.g. TASKBOARD_DATABASE_DSN for database.dsn.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database" json:"database"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth" json:"auth"`
	Log       LogConfig       `yaml:"log" mapstructure:"log" json:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry" json:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify" json:"notify"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" json:"addr"`
	BasePath string `yaml:"base_path" mapstructure:"base_path" json:"base_path"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver" json:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn" json:"dsn"`
	Path   string `yaml:"path" mapstructure:"path" json:"path"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret" json:"jwt_secret"`
	TokenTTL  string `yaml:"token_ttl" mapstructure:"token_ttl" json:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" json:"level"`
	Format string `yaml:"format" mapstructure:"format" json:"format"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Stdout  bool `yaml:"stdout" mapstructure:"stdout" json:"stdout"`
}

type NotifyConfig struct {
	Webhooks []string `yaml:"webhooks" mapstructure:"webhooks" json:"webhooks"`
	Interval string   `yaml:"interval" mapstructure:"interval" json:"interval"`
}

var defaults = map[string]any{
	"server.addr":       "127.0.0.1:8080",
	"server.base_path":  "",
	"database.driver":   "sqlite",
	"database.dsn":      "",
	"database.path":     "",
	"auth.jwt_secret":   "",
	"auth.token_ttl":    "24h",
	"log.level":         "info",
	"log.format":        "text",
	"telemetry.enabled": false,
	"telemetry.stdout":  false,
	"notify.webhooks":   []string{},
	"notify.interval":   "5s",
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	_ = yaml.Unmarshal([]byte(GenerateDefault()), cfg)
	return cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// SetDefaults registers every key on v so environment overrides apply even
// when the file omits the key.
func SetDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load merges defaults, the YAML file at path (optional when missing) and the
// environment through v, then validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks the config against the embedded schema, then the rules a
// schema cannot express.
func (c *Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return err
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for driver mysql")
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	if _, err := c.NotifyInterval(); err != nil {
		return err
	}
	for _, hook := range c.Notify.Webhooks {
		u, err := url.Parse(hook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notify.webhooks: %q is not an http(s) url", hook)
		}
	}
	return nil
}

// RequireSecret fails when no JWT secret is configured; the server cannot start without one.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required (set it in %s or %s_AUTH_JWT_SECRET)", FileName, EnvPrefix)
	}
	return nil
}

func (c *Config) TokenTTL() (time.Duration, error) {
	return positiveDuration("auth.token_ttl", c.Auth.TokenTTL, 24*time.Hour)
}

func (c *Config) NotifyInterval() (time.Duration, error) {
	return positiveDuration("notify.interval", c.Notify.Interval, 5*time.Second)
}

func positiveDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = "********"
	}
	if c.Database.DSN != "" && c.Database.Driver == "mysql" {
		c.Database.DSN = "********"
	}
	return c
}

// YAML renders the config as YAML.
func (c Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	return string(out), err
}

var schema = jsonschema.MustCompileString("taskboard.schema.json", schemaJSON)

func validateSchema(c *Config) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal config for validation: %w", err)
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	var msgs []string
	collectSchemaErrors(ve, &msgs)
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func collectSchemaErrors(err *jsonschema.ValidationError, msgs *[]string) {
	if len(err.Causes) == 0 {
		loc := strings.ReplaceAll(strings.TrimPrefix(err.InstanceLocation, "/"), "/", ".")
		if loc == "" {
			loc = "config"
		}
		*msgs = append(*msgs, fmt.Sprintf("%s: %s", loc, err.Message))
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, msgs)
	}
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: ""

database:
  # sqlite (default, file under .taskboard/) or mysql
  driver: sqlite
  path: ""
  dsn: ""

auth:
  jwt_secret: ""
  token_ttl: 24h

log:
  level: info
  format: text

telemetry:
  enabled: false
  stdout: false

notify:
  webhooks: []
  interval: 5s
`

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "addr": {"type": "string", "minLength": 1},
        "base_path": {"type": "string", "pattern": "^(/[A-Za-z0-9._~-]+)*$"}
      }
    },
    "database": {
      "type": "object",
      "properties": {
        "driver": {"enum": ["sqlite", "mysql"]},
        "dsn": {"type": "string"},
        "path": {"type": "string"}
      }
    },
    "auth": {
      "type": "object",
      "properties": {
        "jwt_secret": {"type": "string"},
        "token_ttl": {"type": "string"}
      }
    },
    "log": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "format": {"enum": ["text", "json", "logfmt"]}
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "stdout": {"type": "boolean"}
      }
    },
    "notify": {
      "type": "object",
      "properties": {
        "webhooks": {"type": ["array", "null"], "items": {"type": "string", "minLength": 1}},
        "interval": {"type": "string"}
      }
    }
  }
}`
