package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration. Engine constants
// (attempt ceilings, backoff, cooldowns) are fixed in code and deliberately
// not configurable here.
type Config struct {
	Remote struct {
		URL   string `koanf:"url"`
		Token string `koanf:"token"`
	} `koanf:"remote"`

	Server struct {
		Addr string `koanf:"addr"`
	} `koanf:"server"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

// LoadConfig loads the configuration from a file, with defaults below and
// COMMENTSYNC_* environment variables on top.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"remote.url":  "http://localhost:8098",
		"server.addr": ":8098",
		"log.level":   "info",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./commentsync.toml", "$HOME/.commentsync.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	k.Load(env.Provider("COMMENTSYNC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "COMMENTSYNC_")), "_", ".", -1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# commentsync configuration

[remote]
url = "https://content-api.example.com"
token = "your-api-token"

[server]
addr = ":8098"

[log]
level = "info"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration.
func Validate(config *Config) error {
	if config.Remote.URL == "" {
		return fmt.Errorf("remote url is required")
	}
	if config.Log.Level != "" {
		switch config.Log.Level {
		case "trace", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("unknown log level %q", config.Log.Level)
		}
	}
	return nil
}
