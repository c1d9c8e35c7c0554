package output

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/NeuralForge6000/goop-utilities/internal/llm"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
	"github.com/NeuralForge6000/goop-utilities/internal/pricing"
)

const (
	compactThreshold = 100 // Terminal width below which compact mode kicks in
	defaultWidth     = 120
)

// TableOptions controls table display behavior
type TableOptions struct {
	ForceCompact bool
}

func shouldUseCompact(opts TableOptions) bool {
	if opts.ForceCompact {
		return true
	}
	return terminalWidth() < compactThreshold
}

// FormatNumber formats a number with thousand separators
func FormatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	negative := n < 0
	if negative {
		str = str[1:]
	}

	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}

// FormatCost formats an amount with the six decimals sub-cent costs need
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.6f", cost)
}

// FormatDollars formats an amount rounded to cents
func FormatDollars(cost float64) string {
	return fmt.Sprintf("$%.2f", cost)
}

// shortenSessionID truncates session UUID to first 8 chars
func shortenSessionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// PrintTable prints grouped usage as a table with a total row
func PrintTable(w io.Writer, results []model.AggregatedUsage, title string, opts TableOptions) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No usage data found.")
		return
	}

	compact := shouldUseCompact(opts)
	isSessionView := title == "Session"

	keyWidth := len(title)
	for _, r := range results {
		key := r.Key
		if isSessionView {
			key = shortenSessionID(key)
		}
		keyWidth = max(keyWidth, len(key))
	}
	keyWidth = max(keyWidth, 10)
	if compact {
		keyWidth = min(keyWidth, 12)
	}

	total := model.AggregatedUsage{Key: "Total"}
	for _, r := range results {
		total.PromptTokens += r.PromptTokens
		total.CompletionTokens += r.CompletionTokens
		total.Cost += r.Cost
		total.RecordCount += r.RecordCount
	}

	fmt.Fprintln(w)

	if compact {
		rule := strings.Repeat("─", keyWidth+2+12+2+12+2+12)
		row := func(key string, r model.AggregatedUsage) {
			fmt.Fprintf(w, "%-*s  %12s  %12s  %12s\n", keyWidth, key,
				FormatNumber(r.PromptTokens), FormatNumber(r.CompletionTokens), FormatCost(r.Cost))
		}

		fmt.Fprintf(w, "%-*s  %12s  %12s  %12s\n", keyWidth, title, "Prompt", "Completion", "Cost")
		fmt.Fprintln(w, rule)
		for _, r := range results {
			key := r.Key
			if isSessionView {
				key = shortenSessionID(key)
			}
			if len(key) > keyWidth {
				key = key[:keyWidth]
			}
			row(key, r)
		}
		if len(results) > 1 {
			fmt.Fprintln(w, rule)
			row("Total", total)
		}

		fmt.Fprintln(w)
		fmt.Fprintln(w, "(Compact mode - expand terminal for full view)")
		return
	}

	rule := strings.Repeat("─", keyWidth+2+12+2+12+2+10+2+12)
	row := func(key string, r model.AggregatedUsage) {
		fmt.Fprintf(w, "%-*s  %12s  %12s  %10d  %12s\n", keyWidth, key,
			FormatNumber(r.PromptTokens), FormatNumber(r.CompletionTokens), r.RecordCount, FormatCost(r.Cost))
	}

	fmt.Fprintf(w, "%-*s  %12s  %12s  %10s  %12s\n", keyWidth, title, "Prompt", "Completion", "Messages", "Cost")
	fmt.Fprintln(w, rule)
	for _, r := range results {
		key := r.Key
		if isSessionView {
			key = shortenSessionID(key)
		}
		row(key, r)
	}
	if len(results) > 1 {
		fmt.Fprintln(w, rule)
		row("Total", total)
	}
	fmt.Fprintln(w)
}

// PrintReport prints a ledger analysis. Model keys found in table are shown
// by display name.
func PrintReport(w io.Writer, r model.Report, table *pricing.Table, projectionWarning string) {
	if r.TotalMessages == 0 {
		fmt.Fprintln(w, "No cost history found. Start chatting to generate data!")
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "COST ANALYSIS")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Total spent: %s\n", FormatCost(r.TotalCost))
	fmt.Fprintf(w, "Total tokens: %s\n", FormatNumber(r.TotalTokens))
	fmt.Fprintf(w, "Total messages: %d\n", r.TotalMessages)
	fmt.Fprintf(w, "Average per message: %s\n", FormatCost(r.AveragePerMessage))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Cost by Model:")
	keys := make([]string, 0, len(r.PerModel))
	for k := range r.PerModel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		stats := r.PerModel[k]
		name := k
		if table != nil {
			if entry, ok := table.Lookup(k); ok {
				name = entry.Name
			}
		}
		fmt.Fprintf(w, "- %s\n", name)
		fmt.Fprintf(w, "  %s | %s tokens | %d messages\n", FormatCost(stats.Cost), FormatNumber(stats.Tokens), stats.Messages)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Monthly projection: %s\n", FormatDollars(r.MonthlyProjection))
	if projectionWarning != "" {
		fmt.Fprintln(w, projectionWarning)
	}
}

// PrintSessionSummary prints the running totals of a chat session
func PrintSessionSummary(w io.Writer, s model.SessionState) {
	if s.MessageCount == 0 {
		fmt.Fprintln(w, "No usage yet")
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Cost Summary:")
	fmt.Fprintf(w, "This session: %s\n", FormatCost(s.SessionCost))
	fmt.Fprintf(w, "Total tokens: %s\n", FormatNumber(s.TotalTokens))
	fmt.Fprintf(w, "Messages: %d\n", s.MessageCount)
	fmt.Fprintf(w, "Avg per message: %s\n", FormatCost(s.CostPerMessage()))
	fmt.Fprintf(w, "Models used: %d\n", len(s.CostByModel))
}

// PrintCostLine prints the per-message line shown after each reply
func PrintCostLine(w io.Writer, s model.CostSummary, tokens int64) {
	fmt.Fprintf(w, "   Cost: %s | Session: %s | Tokens: %d | Msg #%d\n",
		FormatCost(s.EventCost), FormatCost(s.SessionCost), tokens, s.MessageCount)
}

// PrintModels prints the pricing table as a numbered list
func PrintModels(w io.Writer, entries []model.PricingEntry) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Available Models:")
	for i, e := range entries {
		fmt.Fprintf(w, "%d. %s\n", i+1, e.Name)
		if e.Speed != "" {
			fmt.Fprintf(w, "   %s | ~%s per 100 tokens\n", e.Speed, FormatCost(pricing.EstimatePer100(e)))
		} else {
			fmt.Fprintf(w, "   ~%s per 100 tokens\n", FormatCost(pricing.EstimatePer100(e)))
		}
		if e.Description != "" {
			fmt.Fprintf(w, "   %s\n", e.Description)
		}
	}
}

// PrintProbeResults prints the outcome of a model verification run
func PrintProbeResults(w io.Writer, results []llm.ProbeResult, rec llm.Recommendation) {
	working := slices.DeleteFunc(slices.Clone(results), func(r llm.ProbeResult) bool { return !r.OK })
	failed := slices.DeleteFunc(slices.Clone(results), func(r llm.ProbeResult) bool { return r.OK })

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintln(w, "RESULTS SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 60))

	if len(working) > 0 {
		fmt.Fprintf(w, "\nWORKING MODELS (%d):\n", len(working))
		fmt.Fprintln(w, strings.Repeat("-", 50))
		for i, r := range working {
			fmt.Fprintf(w, "%2d. %s\n", i+1, r.Model)
			if r.Tag != "" {
				fmt.Fprintf(w, "    %s - %s\n", r.Tag, r.Description)
			}
			fmt.Fprintf(w, "    Response time: %.2fs\n\n", r.Latency.Seconds())
		}
	}

	if len(failed) > 0 {
		fmt.Fprintf(w, "\nFAILED MODELS (%d):\n", len(failed))
		fmt.Fprintln(w, strings.Repeat("-", 50))
		for _, r := range failed {
			msg := r.Error
			if len(msg) > 60 {
				msg = msg[:60] + "..."
			}
			fmt.Fprintf(w, "• %s (%s) - %s\n", r.Model, r.Tag, msg)
		}
	}

	if rec.Daily == "" {
		fmt.Fprintln(w, "\nNo working models. Check that the proxy is running and your API key is valid.")
		return
	}

	fmt.Fprintln(w, "\nRECOMMENDATIONS:")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Fastest: %s\n", rec.Fastest)
	if rec.Cheapest != "" {
		fmt.Fprintf(w, "Cheapest: %s\n", rec.Cheapest)
	}
	if rec.Newest != "" {
		fmt.Fprintf(w, "Newest: %s\n", rec.Newest)
	}
	fmt.Fprintf(w, "Daily use: %s\n", rec.Daily)
	if rec.Backup != "" {
		fmt.Fprintf(w, "Backup: %s\n", rec.Backup)
	}
	if rec.Explore != "" {
		fmt.Fprintf(w, "Experimentation: %s\n", rec.Explore)
	}
}

// WriteProbeFile writes the working models in the plain text format of
// working_models.txt
func WriteProbeFile(w io.Writer, results []llm.ProbeResult) error {
	var b strings.Builder
	b.WriteString("WORKING VERTEX AI MODELS\n")
	b.WriteString(strings.Repeat("=", 30) + "\n\n")
	b.WriteString("Models verified through goop proxy:\n\n")
	for _, r := range results {
		if !r.OK {
			continue
		}
		fmt.Fprintf(&b, "%s\n  %s - %s\n  Response time: %.2fs\n\n", r.Model, r.Tag, r.Description, r.Latency.Seconds())
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// PrintJSON writes v as indented JSON
func PrintJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
