package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/NeuralForge6000/goop-utilities/internal/ledger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
	"github.com/NeuralForge6000/goop-utilities/internal/pricing"
)

// EnvPrefix prefixes every environment override, e.g. GOOP_GATEWAY_API_KEY
const EnvPrefix = "GOOP"

// model keys such as vertex/gemini-2.0-flash-001 contain dots
const keyDelimiter = "::"

// Config holds the configuration shared by the CLI and the server
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`
	Chat    ChatConfig    `yaml:"chat" mapstructure:"chat"`
	Pricing PricingConfig `yaml:"pricing" mapstructure:"pricing"`
	Ledger  ledger.Config `yaml:"ledger" mapstructure:"ledger"`
	Alerts  AlertsConfig  `yaml:"alerts" mapstructure:"alerts"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
}

// GatewayConfig points at the OpenAI-compatible goop proxy
type GatewayConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	Timeout int    `yaml:"timeout" mapstructure:"timeout"` // seconds
}

// ChatConfig contains request parameters for chat turns
type ChatConfig struct {
	DefaultModel string  `yaml:"default_model" mapstructure:"default_model"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `yaml:"temperature" mapstructure:"temperature"`
	HistoryLimit int     `yaml:"history_limit" mapstructure:"history_limit"`
}

// PricingConfig overrides or extends the embedded pricing table
type PricingConfig struct {
	DefaultModel string                        `yaml:"default_model" mapstructure:"default_model"`
	CustomPrices map[string]model.PricingEntry `yaml:"custom_prices,omitempty" mapstructure:"custom_prices"`
}

// AlertsConfig holds the thresholds for cost warnings. They only produce
// messages; nothing is blocked.
type AlertsConfig struct {
	SessionCost       float64 `yaml:"session_cost" mapstructure:"session_cost"`
	MessageCost       float64 `yaml:"message_cost" mapstructure:"message_cost"`
	MonthlyProjection float64 `yaml:"monthly_projection" mapstructure:"monthly_projection"`
}

// SyncConfig holds the goop-server the CLI pushes its ledger to
type SyncConfig struct {
	Server   string `yaml:"server" mapstructure:"server"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8080/openai-proxy/v1",
			APIKey:  "your-api-key",
			Timeout: 60,
		},
		Chat: ChatConfig{
			DefaultModel: "vertex/gemini-2.0-flash-lite-001",
			MaxTokens:    500,
			Temperature:  0.7,
			HistoryLimit: 20,
		},
		Pricing: PricingConfig{
			DefaultModel: pricing.DefaultModel,
		},
		Ledger: ledger.Config{
			Type: ledger.TypeFile,
			Path: "chat_costs.log",
		},
		Alerts: AlertsConfig{
			SessionCost:       0.01,
			MessageCost:       0.001,
			MonthlyProjection: 10,
		},
	}
}

// DefaultPath returns ~/.goop.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".goop.yaml"), nil
}

// Load reads the config file at path (DefaultPath when empty), then applies
// GOOP_* environment variables, including those from a .env file in the
// working directory. A missing config file is not an error.
func Load(path string) (*Config, error) {
	_ = gotenv.Load()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v, DefaultConfig())
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to path (DefaultPath when empty),
// generating a sync client ID on first save.
func Save(path string, cfg *Config) error {
	if cfg.Sync.ClientID == "" {
		cfg.Sync.ClientID = uuid.NewString()
	}

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// PricingTable builds the immutable pricing table from this configuration
func (c *Config) PricingTable() (*pricing.Table, error) {
	return pricing.NewTable(c.Pricing.CustomPrices, c.Pricing.DefaultModel)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("gateway::base_url", d.Gateway.BaseURL)
	v.SetDefault("gateway::api_key", d.Gateway.APIKey)
	v.SetDefault("gateway::timeout", d.Gateway.Timeout)

	v.SetDefault("chat::default_model", d.Chat.DefaultModel)
	v.SetDefault("chat::max_tokens", d.Chat.MaxTokens)
	v.SetDefault("chat::temperature", d.Chat.Temperature)
	v.SetDefault("chat::history_limit", d.Chat.HistoryLimit)

	v.SetDefault("pricing::default_model", d.Pricing.DefaultModel)

	v.SetDefault("ledger::type", d.Ledger.Type)
	v.SetDefault("ledger::path", d.Ledger.Path)
	v.SetDefault("ledger::sqlite::path", "goop_ledger.db")
	v.SetDefault("ledger::postgres::host", "localhost")
	v.SetDefault("ledger::postgres::port", 5432)
	v.SetDefault("ledger::postgres::database", "goop")
	v.SetDefault("ledger::postgres::username", "")
	v.SetDefault("ledger::postgres::password", "")
	v.SetDefault("ledger::postgres::ssl_mode", "disable")
	v.SetDefault("ledger::redis::host", "localhost")
	v.SetDefault("ledger::redis::port", 6379)
	v.SetDefault("ledger::redis::password", "")
	v.SetDefault("ledger::redis::database", 0)
	v.SetDefault("ledger::redis::key", "goop:ledger")

	v.SetDefault("alerts::session_cost", d.Alerts.SessionCost)
	v.SetDefault("alerts::message_cost", d.Alerts.MessageCost)
	v.SetDefault("alerts::monthly_projection", d.Alerts.MonthlyProjection)

	v.SetDefault("sync::server", "")
	v.SetDefault("sync::api_key", "")
	v.SetDefault("sync::client_id", "")
}
