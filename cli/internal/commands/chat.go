package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NeuralForge6000/goop-utilities/cli/internal/output"
	"github.com/NeuralForge6000/goop-utilities/internal/chat"
	"github.com/NeuralForge6000/goop-utilities/internal/llm"
	"github.com/NeuralForge6000/goop-utilities/internal/pricing"
	"github.com/NeuralForge6000/goop-utilities/internal/tracker"
)

var errQuit = errors.New("quit")

func newChatCommand(a *app) *cobra.Command {
	var modelKey string
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat with cost tracking",
		Long: `Chat with a model through the goop proxy. Every reply shows its cost
and the running session total; each request is appended to the usage ledger.

Commands inside the chat:
  quit, exit, bye, q   end the session and show the summary
  switch               pick another model
  costs                show the session summary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			in := bufio.NewScanner(cmd.InOrStdin())

			if err := a.loadPricing(); err != nil {
				return err
			}

			l, err := a.ledger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			client := llm.NewClient(a.cfg.Gateway)
			if !skipCheck {
				if _, err := client.Complete(ctx, llm.Request{
					Model:     a.cfg.Chat.DefaultModel,
					Messages:  []llm.Message{{Role: "user", Content: "test"}},
					MaxTokens: 5,
				}); err != nil {
					return fmt.Errorf("cannot connect to goop proxy at %s: %w", a.cfg.Gateway.BaseURL, err)
				}
				fmt.Fprintln(out, "Connection to goop proxy working")
			}

			t := tracker.New(a.table, l)
			svc := chat.NewService(client, t, a.cfg.Chat)

			fmt.Fprintln(out, "AI Chat with Cost Tracking")
			fmt.Fprintln(out, strings.Repeat("=", 50))
			if total := t.HistoricalTotal(ctx); total > 0 {
				fmt.Fprintf(out, "Historical total costs: %s\n", output.FormatCost(total))
			}

			if modelKey == "" {
				modelKey, err = selectModel(out, in, a.table)
				if err != nil {
					return nil
				}
			}
			printModelInfo(out, a.table, modelKey)

			fmt.Fprintln(out, "\nCommands: 'quit', 'exit', 'bye' to exit | 'switch' to change model | 'costs' for summary")
			fmt.Fprintln(out, strings.Repeat("=", 70))

			var history []llm.Message
			for {
				fmt.Fprint(out, "\nYou: ")
				if !in.Scan() {
					break
				}
				line := strings.TrimSpace(in.Text())

				switch strings.ToLower(line) {
				case "quit", "exit", "bye", "q":
					output.PrintSessionSummary(out, t.Snapshot())
					fmt.Fprintln(out, "\nThanks for chatting!")
					return nil
				case "switch":
					next, err := selectModel(out, in, a.table)
					if err != nil {
						return nil
					}
					modelKey = next
					fmt.Fprintf(out, "Switched to: %s\n", displayName(a.table, modelKey))
					continue
				case "costs":
					output.PrintSessionSummary(out, t.Snapshot())
					continue
				case "":
					fmt.Fprintln(out, "Please enter a message, or type 'quit' to exit.")
					continue
				}

				history = append(history, llm.Message{Role: "user", Content: line})
				history = chat.Trim(history, a.cfg.Chat.HistoryLimit)

				reply, err := svc.Send(ctx, modelKey, history)
				if err != nil {
					// the unanswered turn is dropped from history
					history = history[:len(history)-1]
					fmt.Fprintf(out, "\nError: %v\n", err)
					fmt.Fprintln(out, "Continuing chat... (type 'quit' to exit)")
					continue
				}
				history = append(history, llm.Message{Role: "assistant", Content: reply.Text})

				fmt.Fprintf(out, "AI: %s\n", reply.Text)
				output.PrintCostLine(out, reply.Cost, reply.TotalTokens)
				for _, alert := range chat.Alerts(reply.Cost, a.cfg.Alerts) {
					fmt.Fprintf(out, "   %s\n", alert)
				}
			}

			output.PrintSessionSummary(out, t.Snapshot())
			fmt.Fprintln(out, "\nChat session ended.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelKey, "model", "m", "", "model to chat with (skips the picker)")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "skip the proxy connection test")

	return cmd
}

// selectModel lets the user pick a model; an empty answer picks the first
// (cheapest) entry
func selectModel(out io.Writer, in *bufio.Scanner, table *pricing.Table) (string, error) {
	models := table.Models()
	output.PrintModels(out, models)

	for {
		fmt.Fprintf(out, "\nSelect model (1-%d) or press Enter for fastest: ", len(models))
		if !in.Scan() {
			return "", errQuit
		}
		choice := strings.TrimSpace(in.Text())
		if choice == "" {
			return models[0].Key, nil
		}

		n, err := strconv.Atoi(choice)
		if err != nil {
			fmt.Fprintln(out, "Please enter a valid number")
			continue
		}
		if n < 1 || n > len(models) {
			fmt.Fprintf(out, "Please enter a number between 1 and %d\n", len(models))
			continue
		}
		return models[n-1].Key, nil
	}
}

func printModelInfo(out io.Writer, table *pricing.Table, key string) {
	entry, fellBack := table.Resolve(key)
	fmt.Fprintf(out, "\nUsing: %s\n", displayName(table, key))
	if fellBack {
		fmt.Fprintf(out, "Not in the pricing table; priced as %s\n", entry.Name)
	}
	if entry.Speed != "" {
		fmt.Fprintf(out, "Speed: %s\n", entry.Speed)
	}
	fmt.Fprintf(out, "Input: $%g/1K tokens | Output: $%g/1K tokens\n", entry.InputPer1K, entry.OutputPer1K)
	if entry.Description != "" {
		fmt.Fprintln(out, entry.Description)
	}
}

func displayName(table *pricing.Table, key string) string {
	if entry, ok := table.Lookup(key); ok {
		return entry.Name
	}
	return key
}
