// Package analytics replays usage ledgers into reports. It only reads.
package analytics

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// ProjectionDays scales a ledger's total into a monthly projection. The
// ledger total is treated as one day of usage; timestamps are not inspected.
const ProjectionDays = 30

// Source is anything that can replay usage events in order
type Source interface {
	Events(ctx context.Context) iter.Seq[model.UsageEvent]
}

// Summarize replays src once and folds every event into totals and a
// per-model breakdown keyed by the stored model key
func Summarize(ctx context.Context, src Source) model.Report {
	return SummarizeEvents(src.Events(ctx))
}

// SummarizeEvents folds an event sequence into a report
func SummarizeEvents(events iter.Seq[model.UsageEvent]) model.Report {
	report := model.Report{PerModel: make(map[string]model.ModelStats)}

	for ev := range events {
		tokens := ev.TotalTokens()
		report.TotalCost += ev.Cost
		report.TotalTokens += tokens
		report.TotalMessages++

		stats := report.PerModel[ev.Model]
		stats.Cost += ev.Cost
		stats.Tokens += tokens
		stats.Messages++
		report.PerModel[ev.Model] = stats
	}

	if report.TotalMessages > 0 {
		report.AveragePerMessage = report.TotalCost / float64(report.TotalMessages)
	}
	report.MonthlyProjection = report.TotalCost * ProjectionDays

	return report
}

// Options for grouping
type Options struct {
	Since    time.Time
	Until    time.Time
	Timezone *time.Location
}

// ParseOptions builds Options from YYYYMMDD bounds and an IANA timezone
// name; empty strings leave the field unset. until includes the whole day.
func ParseOptions(since, until, timezone string) (Options, error) {
	var opts Options

	loc := time.Local
	if timezone != "" {
		tz, err := time.LoadLocation(timezone)
		if err != nil {
			return opts, fmt.Errorf("invalid timezone: %s", timezone)
		}
		opts.Timezone = tz
		loc = tz
	}

	if since != "" {
		t, err := time.ParseInLocation("20060102", since, loc)
		if err != nil {
			return opts, fmt.Errorf("invalid since date %q, use YYYYMMDD", since)
		}
		opts.Since = t
	}

	if until != "" {
		t, err := time.ParseInLocation("20060102", until, loc)
		if err != nil {
			return opts, fmt.Errorf("invalid until date %q, use YYYYMMDD", until)
		}
		opts.Until = t.Add(24*time.Hour - time.Nanosecond)
	}

	return opts, nil
}

// Group filters events by opts and groups them by "day", "month", "block"
// or "session"
func Group(by string, events iter.Seq[model.UsageEvent], opts Options) ([]model.AggregatedUsage, error) {
	events = Filter(events, opts)
	switch by {
	case "day":
		return ByDay(events, opts), nil
	case "month":
		return ByMonth(events, opts), nil
	case "block":
		return ByBlock(events, opts), nil
	case "session":
		return BySession(events, opts), nil
	default:
		return nil, fmt.Errorf("unknown grouping %q (use day, month, block or session)", by)
	}
}

// Filter drops events outside the date range in opts
func Filter(events iter.Seq[model.UsageEvent], opts Options) iter.Seq[model.UsageEvent] {
	return func(yield func(model.UsageEvent) bool) {
		for ev := range events {
			ts := opts.localize(ev.Timestamp)
			if !opts.Since.IsZero() && ts.Before(opts.Since) {
				continue
			}
			if !opts.Until.IsZero() && ts.After(opts.Until) {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// ByDay groups usage by calendar day, newest first
func ByDay(events iter.Seq[model.UsageEvent], opts Options) []model.AggregatedUsage {
	g := groupBy(events, func(ev model.UsageEvent) string {
		return opts.localize(ev.Timestamp).Format("2006-01-02")
	})
	return g.sortedByKey()
}

// ByMonth groups usage by calendar month, newest first
func ByMonth(events iter.Seq[model.UsageEvent], opts Options) []model.AggregatedUsage {
	g := groupBy(events, func(ev model.UsageEvent) string {
		return opts.localize(ev.Timestamp).Format("2006-01")
	})
	return g.sortedByKey()
}

// ByBlock groups usage into 5-hour windows starting at midnight UTC
// (00:00, 05:00, 10:00, 15:00, 20:00), newest first
func ByBlock(events iter.Seq[model.UsageEvent], _ Options) []model.AggregatedUsage {
	g := groupBy(events, func(ev model.UsageEvent) string {
		ts := ev.Timestamp.UTC()
		start := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour()/5*5, 0, 0, 0, time.UTC)
		return start.Format("2006-01-02 15:04")
	})
	return g.sortedByKey()
}

// BySession groups usage by session ID, most recently active first. Events
// written without a session ID are grouped under "unknown".
func BySession(events iter.Seq[model.UsageEvent], _ Options) []model.AggregatedUsage {
	g := groupBy(events, func(ev model.UsageEvent) string {
		if ev.SessionID == "" {
			return "unknown"
		}
		return ev.SessionID
	})

	results := g.results()
	sort.Slice(results, func(i, j int) bool {
		ti, tj := g.lastSeen[results[i].Key], g.lastSeen[results[j].Key]
		if ti.Equal(tj) {
			return results[i].Key < results[j].Key
		}
		return ti.After(tj)
	})
	return results
}

// CalculateTotal returns the sum of grouped results
func CalculateTotal(results []model.AggregatedUsage) model.AggregatedUsage {
	total := model.AggregatedUsage{Key: "Total"}
	models := make(map[string]bool)

	for _, r := range results {
		total.PromptTokens += r.PromptTokens
		total.CompletionTokens += r.CompletionTokens
		total.Cost += r.Cost
		total.RecordCount += r.RecordCount
		for _, m := range r.Models {
			models[m] = true
		}
	}

	for m := range models {
		total.Models = append(total.Models, m)
	}
	sort.Strings(total.Models)

	return total
}

func (o Options) localize(ts time.Time) time.Time {
	if o.Timezone != nil {
		return ts.In(o.Timezone)
	}
	return ts
}

type grouping struct {
	groups   map[string]*model.AggregatedUsage
	models   map[string]map[string]bool
	lastSeen map[string]time.Time
}

func groupBy(events iter.Seq[model.UsageEvent], key func(model.UsageEvent) string) *grouping {
	g := &grouping{
		groups:   make(map[string]*model.AggregatedUsage),
		models:   make(map[string]map[string]bool),
		lastSeen: make(map[string]time.Time),
	}

	for ev := range events {
		k := key(ev)
		agg, ok := g.groups[k]
		if !ok {
			agg = &model.AggregatedUsage{Key: k}
			g.groups[k] = agg
			g.models[k] = make(map[string]bool)
		}

		agg.PromptTokens += ev.PromptTokens
		agg.CompletionTokens += ev.CompletionTokens
		agg.Cost += ev.Cost
		agg.RecordCount++
		g.models[k][ev.Model] = true

		if ev.Timestamp.After(g.lastSeen[k]) {
			g.lastSeen[k] = ev.Timestamp
		}
	}

	return g
}

func (g *grouping) results() []model.AggregatedUsage {
	results := make([]model.AggregatedUsage, 0, len(g.groups))
	for k, agg := range g.groups {
		for m := range g.models[k] {
			agg.Models = append(agg.Models, m)
		}
		slices.Sort(agg.Models)
		results = append(results, *agg)
	}
	return results
}

func (g *grouping) sortedByKey() []model.AggregatedUsage {
	results := g.results()
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key > results[j].Key
	})
	return results
}
