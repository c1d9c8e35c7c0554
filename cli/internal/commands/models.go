package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/NeuralForge6000/goop-utilities/cli/internal/output"
	"github.com/NeuralForge6000/goop-utilities/internal/llm"
)

func newModelsCommand(a *app) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Show the pricing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadPricing(); err != nil {
				return err
			}
			models := a.table.Models()
			if jsonOut {
				return output.PrintJSON(cmd.OutOrStdout(), models)
			}
			output.PrintModels(cmd.OutOrStdout(), models)
			fmt.Fprintf(cmd.OutOrStdout(), "\nUnknown models are priced as %s\n", a.table.DefaultKey())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")

	cmd.AddCommand(newVerifyCommand(a))
	return cmd
}

func newVerifyCommand(a *app) *cobra.Command {
	var (
		outFile string
		timeout time.Duration
		pause   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "verify [model...]",
		Short: "Probe which models the proxy can serve",
		Long: `Send a short prompt to each model and report which ones answer and how
fast. Without arguments a built-in list of Vertex models is probed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			client := llm.NewClient(a.cfg.Gateway)

			candidates := llm.DefaultCandidates
			if len(args) > 0 {
				candidates = make([]llm.Candidate, len(args))
				for i, m := range args {
					candidates[i] = llm.Candidate{Model: m, Tag: "Custom"}
				}
			}

			opts := llm.DefaultProbeOptions()
			opts.Timeout = timeout
			opts.Pause = pause
			opts.Progress = func(r llm.ProbeResult) {
				if r.OK {
					fmt.Fprintf(out, "Testing: %s ... SUCCESS (%.2fs)\n", r.Model, r.Latency.Seconds())
				} else {
					fmt.Fprintf(out, "Testing: %s ... FAILED\n", r.Model)
				}
			}

			fmt.Fprintln(out, "Testing model access through goop proxy...")
			results := llm.Verify(ctx, client, candidates, opts)
			rec := llm.Recommend(results)
			output.PrintProbeResults(out, results, rec)

			if outFile == "" || rec.Daily == "" {
				return nil
			}

			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			if err := output.WriteProbeFile(f, results); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nDetailed results saved to '%s'\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "output", "o", "working_models.txt", "file to save working models to (empty to skip)")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "timeout per model")
	cmd.Flags().DurationVar(&pause, "pause", time.Second, "pause between probes")

	return cmd
}
