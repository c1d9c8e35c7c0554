package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
)

// settable maps the keys accepted by 'goop config set' to their setters
var settable = map[string]func(*config.Config, string) error{
	"gateway.base_url": func(c *config.Config, v string) error { c.Gateway.BaseURL = v; return nil },
	"gateway.api_key":  func(c *config.Config, v string) error { c.Gateway.APIKey = v; return nil },
	"gateway.timeout":  intSetter(func(c *config.Config) *int { return &c.Gateway.Timeout }),

	"chat.default_model": func(c *config.Config, v string) error { c.Chat.DefaultModel = v; return nil },
	"chat.max_tokens":    intSetter(func(c *config.Config) *int { return &c.Chat.MaxTokens }),
	"chat.temperature":   floatSetter(func(c *config.Config) *float64 { return &c.Chat.Temperature }),
	"chat.history_limit": intSetter(func(c *config.Config) *int { return &c.Chat.HistoryLimit }),

	"pricing.default_model": func(c *config.Config, v string) error { c.Pricing.DefaultModel = v; return nil },

	"ledger.type":        func(c *config.Config, v string) error { c.Ledger.Type = v; return nil },
	"ledger.path":        func(c *config.Config, v string) error { c.Ledger.Path = v; return nil },
	"ledger.sqlite.path": func(c *config.Config, v string) error { c.Ledger.SQLite.Path = v; return nil },

	"alerts.session_cost":       floatSetter(func(c *config.Config) *float64 { return &c.Alerts.SessionCost }),
	"alerts.message_cost":       floatSetter(func(c *config.Config) *float64 { return &c.Alerts.MessageCost }),
	"alerts.monthly_projection": floatSetter(func(c *config.Config) *float64 { return &c.Alerts.MonthlyProjection }),

	"sync.server":  func(c *config.Config, v string) error { c.Sync.Server = v; return nil },
	"sync.api_key": func(c *config.Config, v string) error { c.Sync.APIKey = v; return nil },
}

func intSetter(field func(*config.Config) *int) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected an integer: %w", err)
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(*config.Config) *float64) func(*config.Config, string) error {
	return func(c *config.Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("expected a number: %w", err)
		}
		if f < 0 {
			return fmt.Errorf("value must not be negative")
		}
		*field(c) = f
		return nil
	}
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the goop configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			cfg.Gateway.APIKey = maskKey(cfg.Gateway.APIKey)
			cfg.Sync.APIKey = maskKey(cfg.Sync.APIKey)
			cfg.Ledger.Postgres.Password = maskKey(cfg.Ledger.Postgres.Password)
			cfg.Ledger.Redis.Password = maskKey(cfg.Ledger.Redis.Password)

			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value and save it",
		Long:  "Set a configuration value and save it.\n\nKeys:\n  " + strings.Join(settableKeys(), "\n  "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setter, ok := settable[args[0]]
			if !ok {
				return fmt.Errorf("unknown key %q", args[0])
			}
			if err := setter(a.cfg, args[1]); err != nil {
				return fmt.Errorf("invalid value for %s: %w", args[0], err)
			}
			if _, err := a.cfg.PricingTable(); err != nil {
				return err
			}

			if err := config.Save(a.configPath, a.cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration saved.")
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func settableKeys() []string {
	keys := make([]string, 0, len(settable))
	for k := range settable {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
