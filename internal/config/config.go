package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "NOTEVIEWER"
	defaultHTTPAddress  = "127.0.0.1:8081"
	defaultDatabasePath = "noteviewer.db"
	defaultAPIBaseURL   = "https://api.openstreetmap.org/api/0.6"
	defaultLogLevel     = "info"
	defaultBatchLimit   = 100
)

// AppConfig captures runtime configuration for the note viewer server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	APIBaseURL   string
	LogLevel     string
	BatchLimit   int
	AutoContinue bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("fetch.batch_limit", defaultBatchLimit)
	configViper.SetDefault("fetch.auto_continue", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		APIBaseURL:   configViper.GetString("api.base_url"),
		LogLevel:     configViper.GetString("log.level"),
		BatchLimit:   configViper.GetInt("fetch.batch_limit"),
		AutoContinue: configViper.GetBool("fetch.auto_continue"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.BatchLimit <= 0 {
		return fmt.Errorf("fetch.batch_limit must be positive")
	}
	return nil
}
