package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "WS"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "watchstate.db"
	defaultLogLevel         = "info"
	defaultWebhookDebugPath = "webhooks"
)

// WebhookMatch restricts a backend's webhook token to one user and server instance.
type WebhookMatch struct {
	User string `mapstructure:"user" yaml:"user,omitempty"`
	UUID string `mapstructure:"uuid" yaml:"uuid,omitempty"`
}

// WebhookConfig holds the per-backend webhook settings.
type WebhookConfig struct {
	Token  string       `mapstructure:"token" yaml:"token,omitempty"`
	Import bool         `mapstructure:"import" yaml:"import"`
	Match  WebhookMatch `mapstructure:"match" yaml:"match,omitempty"`
}

// BackendConfig describes one configured media server.
type BackendConfig struct {
	Name    string        `mapstructure:"name" yaml:"name" validate:"required"`
	Type    string        `mapstructure:"type" yaml:"type" validate:"required,oneof=plex jellyfin emby"`
	URL     string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	Token   string        `mapstructure:"token" yaml:"token,omitempty"`
	User    string        `mapstructure:"user" yaml:"user,omitempty"`
	UUID    string        `mapstructure:"uuid" yaml:"uuid,omitempty"`
	Webhook WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
}

// AppConfig captures runtime configuration for the webhook service.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	CachePath        string
	LogLevel         string
	LogFile          string
	WebhookDebug     bool
	WebhookDebugPath string
	Servers          []BackendConfig `validate:"unique=Name,dive"`
}

// Server returns the backend configured under name.
func (c AppConfig) Server(name string) (BackendConfig, bool) {
	for _, server := range c.Servers {
		if server.Name == name {
			return server, true
		}
	}
	return BackendConfig{}, false
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
	configViper.SetDefault("cache.path", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("webhook.debug", false)
	configViper.SetDefault("webhook.debug_path", defaultWebhookDebugPath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		CachePath:        configViper.GetString("cache.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogFile:          configViper.GetString("log.file"),
		WebhookDebug:     configViper.GetBool("webhook.debug"),
		WebhookDebugPath: configViper.GetString("webhook.debug_path"),
	}
	if err := configViper.UnmarshalKey("servers", &cfg.Servers); err != nil {
		return AppConfig{}, fmt.Errorf("servers: %w", err)
	}
	for index := range cfg.Servers {
		cfg.Servers[index].Type = strings.ToLower(strings.TrimSpace(cfg.Servers[index].Type))
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.WebhookDebug && strings.TrimSpace(c.WebhookDebugPath) == "" {
		return fmt.Errorf("webhook.debug_path is required when webhook.debug is enabled")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return err
		}
		messages := make([]string, 0, len(fieldErrors))
		for _, fieldErr := range fieldErrors {
			messages = append(messages, fmt.Sprintf("%s failed %s", strings.TrimPrefix(fieldErr.Namespace(), "AppConfig."), fieldErr.Tag()))
		}
		return fmt.Errorf("invalid servers configuration: %s", strings.Join(messages, "; "))
	}
	return nil
}
