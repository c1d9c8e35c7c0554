// Package commands implements the goop command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
	"github.com/NeuralForge6000/goop-utilities/internal/ledger"
	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/pricing"
)

const version = "0.3.0"

// app carries what every command needs once flags are parsed
type app struct {
	configPath string
	verbose    bool

	cfg   *config.Config
	table *pricing.Table
}

// ledger opens the configured usage ledger
func (a *app) ledger() (ledger.Ledger, error) {
	l, err := ledger.New(a.cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

// loadPricing builds the pricing table on first use. Commands that do not
// price anything, config in particular, keep working with a broken table.
func (a *app) loadPricing() error {
	if a.table != nil {
		return nil
	}
	table, err := a.cfg.PricingTable()
	if err != nil {
		return fmt.Errorf("invalid pricing configuration (fix it with 'goop config set'): %w", err)
	}
	a.table = table
	return nil
}

// NewRootCommand builds the goop command tree
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "goop",
		Short: "Chat through the goop proxy and keep track of what it costs",
		Long: `goop talks to an OpenAI-compatible goop proxy, prices every request
with a per-model pricing table and appends it to a usage ledger.

Start with 'goop chat', review spending with 'goop costs'.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.configPath == "" {
				a.configPath = os.Getenv("GOOP_CONFIG")
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			l, err := logger.Init(a.verbose)
			if err != nil {
				return fmt.Errorf("failed to init logger: %w", err)
			}
			cmd.SetContext(logger.ContextWithLogger(cmd.Context(), l))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default is ~/.goop.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newChatCommand(a),
		newCostsCommand(a),
		newModelsCommand(a),
		newConfigCommand(a),
		newSyncCommand(a),
	)

	return root
}

// Execute runs the goop command line
func Execute() {
	defer logger.Close()

	root := NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		zap.L().Debug("command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
