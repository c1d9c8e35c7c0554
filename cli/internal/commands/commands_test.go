package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
)

// writeConfig writes a config file pointing at gatewayURL and a ledger in dir
func writeConfig(t *testing.T, dir, gatewayURL string) string {
	t.Helper()
	path := filepath.Join(dir, "goop.yaml")
	content := fmt.Sprintf(`gateway:
  base_url: %s
  api_key: sk-test-1234567890
chat:
  default_model: vertex/gemini-2.0-flash-001
ledger:
  type: file
  path: %s
`, gatewayURL, filepath.Join(dir, "ledger.log"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func fakeGateway(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "Hello!"}}],
			"usage": {"prompt_tokens": 1000, "completion_tokens": 1000, "total_tokens": 2000}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestChat_RecordsCostAndLedger(t *testing.T) {
	dir := t.TempDir()
	srv, calls := fakeGateway(t)
	cfgPath := writeConfig(t, dir, srv.URL)

	out, err := run(t, "hi\ncosts\nquit\n",
		"chat", "--config", cfgPath, "--skip-check", "--model", "vertex/gemini-2.0-flash-001")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out, "AI: Hello!")
	assert.Contains(t, out, "Cost: $0.000750 | Session: $0.000750 | Tokens: 2000 | Msg #1")
	assert.Contains(t, out, "This session: $0.000750")
	assert.Contains(t, out, "Thanks for chatting!")

	data, err := os.ReadFile(filepath.Join(dir, "ledger.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"model":"vertex/gemini-2.0-flash-001"`)
}

func TestChat_PickerDefaultsToCheapest(t *testing.T) {
	dir := t.TempDir()
	srv, _ := fakeGateway(t)
	cfgPath := writeConfig(t, dir, srv.URL)

	out, err := run(t, "\nbye\n", "chat", "--config", cfgPath, "--skip-check")
	require.NoError(t, err)
	assert.Contains(t, out, "Using: Gemini 2.0 Flash Lite")
	assert.Contains(t, out, "No usage yet")
}

func TestChat_GatewayErrorKeepsSessionRunning(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	cfgPath := writeConfig(t, dir, srv.URL)

	out, err := run(t, "hi\nquit\n",
		"chat", "--config", cfgPath, "--skip-check", "--model", "vertex/gemini-2.0-flash-001")
	require.NoError(t, err)
	assert.Contains(t, out, "Continuing chat...")
	assert.Contains(t, out, "No usage yet")

	_, statErr := os.Stat(filepath.Join(dir, "ledger.log"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestChat_ConnectionCheckFails(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	cfgPath := writeConfig(t, dir, srv.URL)

	_, err := run(t, "", "chat", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot connect to goop proxy")
}

func TestCosts_EmptyLedger(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "http://unused")

	out, err := run(t, "", "costs", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No cost history found")
}

func TestCosts_JSONAfterChat(t *testing.T) {
	dir := t.TempDir()
	srv, _ := fakeGateway(t)
	cfgPath := writeConfig(t, dir, srv.URL)

	_, err := run(t, "one\ntwo\nquit\n",
		"chat", "--config", cfgPath, "--skip-check", "--model", "vertex/gemini-2.0-flash-001")
	require.NoError(t, err)

	out, err := run(t, "", "costs", "--config", cfgPath, "--json", "--by", "session")
	require.NoError(t, err)

	var res costsJSON
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Report.TotalMessages)
	assert.Equal(t, int64(4000), res.Report.TotalTokens)
	assert.InDelta(t, 0.0015, res.Report.TotalCost, 1e-12)
	assert.InDelta(t, 0.045, res.Report.MonthlyProjection, 1e-12)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, 2, res.Groups[0].RecordCount)
	require.NotNil(t, res.Total)
	assert.InDelta(t, 0.0015, res.Total.Cost, 1e-12)
}

func TestCosts_InvalidFlags(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "http://unused")

	_, err := run(t, "", "costs", "--config", cfgPath, "--by", "week")
	assert.ErrorContains(t, err, "unknown grouping")

	_, err = run(t, "", "costs", "--config", cfgPath, "--since", "2025-05-01")
	assert.ErrorContains(t, err, "YYYYMMDD")

	_, err = run(t, "", "costs", "--config", cfgPath, "--timezone", "Mars/Olympus")
	assert.ErrorContains(t, err, "invalid timezone")
}

func TestModels_ListsCheapestFirst(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "http://unused")

	out, err := run(t, "", "models", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1. Gemini 2.0 Flash Lite")
	assert.Contains(t, out, "Unknown models are priced as vertex/gemini-2.0-flash-001")
}

func TestModelsVerify_WritesWorkingModels(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "vertex/broken" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Hello"}}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`))
	}))
	t.Cleanup(srv.Close)
	cfgPath := writeConfig(t, dir, srv.URL)
	outFile := filepath.Join(dir, "working.txt")

	out, err := run(t, "", "models", "verify", "--config", cfgPath, "--pause", "0", "--output", outFile,
		"vertex/gemini-2.0-flash-001", "vertex/broken")
	require.NoError(t, err)
	assert.Contains(t, out, "Testing: vertex/broken ... FAILED")

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "vertex/gemini-2.0-flash-001")
	assert.NotContains(t, string(data), "vertex/broken")
}

func TestConfig_SetAndShow(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "http://unused")

	out, err := run(t, "", "config", "set", "alerts.session_cost", "0.5", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved.")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Alerts.SessionCost)
	assert.NotEmpty(t, cfg.Sync.ClientID)

	out, err = run(t, "", "config", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "session_cost: 0.5")
	assert.Contains(t, out, "sk-t...7890")
	assert.NotContains(t, out, "sk-test-1234567890")
}

func TestConfig_SetRejectsBadInput(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "http://unused")

	_, err := run(t, "", "config", "set", "nope.key", "1", "--config", cfgPath)
	assert.ErrorContains(t, err, "unknown key")

	_, err = run(t, "", "config", "set", "chat.max_tokens", "many", "--config", cfgPath)
	assert.ErrorContains(t, err, "expected an integer")

	_, err = run(t, "", "config", "set", "alerts.message_cost", "-1", "--config", cfgPath)
	assert.ErrorContains(t, err, "must not be negative")
}

func TestSync_NotConfigured(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "http://unused")

	_, err := run(t, "", "sync", "--config", cfgPath)
	require.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", maskKey(""))
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "goop...cdef", maskKey("goop_1_abcdef"))
}

func TestConfig_SetRepairsBrokenPricing(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "http://127.0.0.1:1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("pricing:\n  default_model: vertex/no-such-model\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = run(t, "", "models", "--config", path)
	assert.ErrorContains(t, err, "invalid pricing configuration")

	_, err = run(t, "", "config", "show", "--config", path)
	require.NoError(t, err)

	out, err := run(t, "", "config", "set", "pricing.default_model", "vertex/gemini-2.0-flash-001", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved.")

	out, err = run(t, "", "models", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Unknown models are priced as vertex/gemini-2.0-flash-001")
}
