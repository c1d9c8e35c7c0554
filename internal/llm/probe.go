package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Candidate is a model to probe
type Candidate struct {
	Model       string `json:"model"`
	Tag         string `json:"tag"`
	Description string `json:"description"`
}

// DefaultCandidates lists the models the goop proxy commonly exposes
var DefaultCandidates = []Candidate{
	{"vertex/gemini-2.0-flash-001", "Standard", "Reliable production model"},
	{"vertex/gemini-1.5-flash-002", "Cheapest", "Most cost-effective option"},
	{"vertex/gemini-1.5-pro-002", "Smartest", "Best reasoning capabilities"},
	{"vertex/gemini-2.0-flash-lite-001", "Fastest", "Fastest response times"},
	{"vertex/gemini-2.5-flash-preview-05-20", "Preview", "Latest preview features"},
	{"vertex/gemini-2.5-pro-preview-05-06", "Advanced Preview", "Most advanced preview model"},
	{"vertex/chat-bison-001", "Legacy", "Older PaLM-based model"},
	{"vertex/text-bison-001", "Text", "Text completion model"},
	{"vertex/code-bison-001", "Code", "Code-specialized model"},
	{"gemini-2.0-flash-001", "Alt Format", "Without vertex/ prefix"},
	{"google/gemini-2.0-flash-001", "Alt Format 2", "With google/ prefix"},
}

// ProbeOptions controls Verify
type ProbeOptions struct {
	Timeout   time.Duration // per probe
	Pause     time.Duration // between probes
	MaxTokens int
	// Progress, if set, is called after each probe
	Progress func(ProbeResult)
}

// DefaultProbeOptions mirrors the proxy's usual response times
func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{
		Timeout:   15 * time.Second,
		Pause:     time.Second,
		MaxTokens: 50,
	}
}

// ProbeResult is the outcome of probing one model
type ProbeResult struct {
	Candidate
	OK          bool          `json:"ok"`
	Latency     time.Duration `json:"latency"`
	Response    string        `json:"response,omitempty"`
	TotalTokens int64         `json:"total_tokens,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Recommendation picks models from successful probes
type Recommendation struct {
	Fastest  string
	Cheapest string
	Newest   string
	Daily    string
	Backup   string
	Explore  string
}

// Verify probes each candidate in turn. Working models come first, sorted by
// latency; failures follow in probe order.
func Verify(ctx context.Context, c Completer, candidates []Candidate, opts ProbeOptions) []ProbeResult {
	var working, failed []ProbeResult

	for i, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && opts.Pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.Pause):
			}
		}

		res := probe(ctx, c, cand, opts)
		if opts.Progress != nil {
			opts.Progress(res)
		}
		if res.OK {
			working = append(working, res)
		} else {
			failed = append(failed, res)
		}
	}

	sort.SliceStable(working, func(i, j int) bool {
		return working[i].Latency < working[j].Latency
	})
	return append(working, failed...)
}

func probe(ctx context.Context, c Completer, cand Candidate, opts ProbeOptions) ProbeResult {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.Complete(ctx, Request{
		Model: cand.Model,
		Messages: []Message{{
			Role:    "user",
			Content: fmt.Sprintf("Hello! I'm testing %s. Please respond with 'SUCCESS' and tell me one interesting fact.", cand.Model),
		}},
		MaxTokens: opts.MaxTokens,
	})
	if err != nil {
		return ProbeResult{Candidate: cand, Error: err.Error()}
	}

	return ProbeResult{
		Candidate:   cand,
		OK:          true,
		Latency:     time.Since(start),
		Response:    strings.TrimSpace(resp.Text),
		TotalTokens: resp.TotalTokens,
	}
}

// Recommend picks models from Verify's output
func Recommend(results []ProbeResult) Recommendation {
	var working []ProbeResult
	for _, r := range results {
		if r.OK {
			working = append(working, r)
		}
	}

	var rec Recommendation
	if len(working) == 0 {
		return rec
	}

	fastest := working[0]
	for _, r := range working[1:] {
		if r.Latency < fastest.Latency {
			fastest = r
		}
	}
	rec.Fastest = fastest.Model

	for _, r := range working {
		if rec.Cheapest == "" && (strings.Contains(r.Model, "1.5-flash") || strings.Contains(r.Model, "bison")) {
			rec.Cheapest = r.Model
		}
		if rec.Newest == "" && strings.Contains(r.Model, "2.5") {
			rec.Newest = r.Model
		}
	}

	rec.Daily = working[0].Model
	if len(working) > 1 {
		rec.Backup = working[1].Model
	}
	if len(working) > 2 {
		rec.Explore = working[2].Model
	}
	return rec
}
