// Package config loads the runtime's environment and YAML
// configuration: HA connection settings from the process environment
// via godotenv, and the app tree/timezone/logging settings from a YAML
// document, grounded on the teacher's cmd/main.go env loading and
// internal/config/loader.go's yaml.v3 usage.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Env is the set of environment variables the runtime requires,
// loaded with an optional .env file (teacher's cmd/main.go:
// godotenv.Load(), falling back silently to already-exported vars).
type Env struct {
	HassURL   string
	HassToken string
	ReadOnly  bool
	ConfigDir string
	QueryPort int
}

const defaultQueryPort = 8099

// LoadEnv reads HA_URL/HA_TOKEN/READ_ONLY/CONFIG_DIR/QUERY_PORT,
// optionally seeded from a .env file in the working directory.
func LoadEnv() (Env, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Env{}, fmt.Errorf("config: failed reading .env: %w", err)
	}

	env := Env{
		HassURL:   os.Getenv("HA_URL"),
		HassToken: os.Getenv("HA_TOKEN"),
		ReadOnly:  os.Getenv("READ_ONLY") == "true",
		ConfigDir: os.Getenv("CONFIG_DIR"),
		QueryPort: defaultQueryPort,
	}
	if env.ConfigDir == "" {
		env.ConfigDir = "./configs"
	}
	if raw := os.Getenv("QUERY_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Env{}, fmt.Errorf("config: invalid QUERY_PORT %q: %w", raw, err)
		}
		env.QueryPort = port
	}

	if env.HassURL == "" || env.HassToken == "" {
		return Env{}, fmt.Errorf("config: HA_URL and HA_TOKEN must both be set")
	}
	return env, nil
}

// AstralLocation is the optional lat/long override used by the
// scheduler's sun-event triggers; when absent no location is set on the
// scheduler and sun-event jobs fail with "no location configured".
type AstralLocation struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// LoggerConfig is one entry of the logging-config map (spec §6):
// log level plus the set of handlers this logger ships records to.
type LoggerConfig struct {
	LogLevel string   `yaml:"log_level"`
	Handlers []string `yaml:"handlers"`
}

// HTTPJSONHandlerConfig configures the http-json log handler
// (grounded on domovoy/core/logging/http_json.py): one JSON POST per
// record to a URL with basic auth.
type HTTPJSONHandlerConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FileHandlerConfig configures the file log handler.
type FileHandlerConfig struct {
	Path string `yaml:"path"`
}

// Config is the parsed YAML configuration document.
type Config struct {
	AppPath   string `yaml:"app_path"`
	AppSuffix string `yaml:"app_suffix"`
	Timezone  string `yaml:"timezone"`

	AstralLocation *AstralLocation `yaml:"astral_location"`

	Loggers map[string]LoggerConfig `yaml:"loggers"`

	HTTPJSONHandler *HTTPJSONHandlerConfig `yaml:"http_json_handler"`
	FileHandler     *FileHandlerConfig     `yaml:"file_handler"`

	// Location is resolved from Timezone by Load; not part of the YAML
	// document itself.
	Location *time.Location `yaml:"-"`
}

const defaultAppSuffix = "_apps"

// Load reads and parses the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	if cfg.AppPath == "" {
		cfg.AppPath = "./apps"
	}
	if cfg.AppSuffix == "" {
		cfg.AppSuffix = defaultAppSuffix
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	return &cfg, nil
}
