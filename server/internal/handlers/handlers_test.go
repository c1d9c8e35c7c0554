package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
	"github.com/NeuralForge6000/goop-utilities/internal/ledger"
	"github.com/NeuralForge6000/goop-utilities/internal/llm"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
	"github.com/NeuralForge6000/goop-utilities/internal/pricing"
	"github.com/NeuralForge6000/goop-utilities/internal/syncapi"
	"github.com/NeuralForge6000/goop-utilities/server/internal/auth"
	"github.com/NeuralForge6000/goop-utilities/server/internal/database"
	"github.com/NeuralForge6000/goop-utilities/server/internal/middleware"
)

// fakeCompleter answers every request with 1000 prompt and 1000 completion
// tokens, or fails when err is set
type fakeCompleter struct {
	mu       sync.Mutex
	err      error
	requests []llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: "pong", PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}, nil
}

type testServer struct {
	*httptest.Server
	db        *database.DB
	completer *fakeCompleter
	client    *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "goop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	sessions := scs.New()
	sessions.Store = sqlite3store.NewWithCleanupInterval(db.DB, 0)

	table, err := pricing.NewTable(nil, pricing.DefaultModel)
	require.NoError(t, err)

	completer := &fakeCompleter{}
	h := New(Deps{
		DB:        db,
		Sessions:  sessions,
		Completer: completer,
		Ledger:    ledger.NewFileLedger(filepath.Join(dir, "chat_costs.log")),
		Table:     table,
		Chat:      config.ChatConfig{DefaultModel: "vertex/gemini-2.0-flash-001", MaxTokens: 500, Temperature: 0.7, HistoryLimit: 20},
		Alerts:    config.AlertsConfig{SessionCost: 0.01, MessageCost: 0.001, MonthlyProjection: 10},
		FeedDelay: 10 * time.Millisecond,
	})

	srv := httptest.NewServer(middleware.RequestLogger(zap.NewNop())(h.Routes(middleware.NewIPRateLimiter(100, 100))))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testServer{Server: srv, db: db, completer: completer, client: &http.Client{Jar: jar}}
}

func (s *testServer) do(t *testing.T, method, path, apiKey string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestChat_Success(t *testing.T) {
	s := newTestServer(t)

	var resp ChatResponse
	status := s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "ping", Model: "vertex/gemini-2.0-flash-001"}, &resp)
	require.Equal(t, http.StatusOK, status)

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "pong", resp.Response)
	assert.Equal(t, "vertex/gemini-2.0-flash-001", resp.Model)
	require.NotNil(t, resp.CostInfo)
	assert.InDelta(t, 0.00075, resp.CostInfo.LastCost, 1e-12)
	assert.InDelta(t, 0.00075, resp.CostInfo.SessionCost, 1e-12)
	assert.Equal(t, 1, resp.CostInfo.MessageCount)
	assert.Equal(t, int64(2000), resp.CostInfo.Tokens)
	assert.Empty(t, resp.Alerts)
}

func TestChat_KeepsHistoryPerBrowser(t *testing.T) {
	s := newTestServer(t)

	s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "first"}, nil)
	s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "second"}, nil)

	require.Len(t, s.completer.requests, 2)
	msgs := s.completer.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "pong", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)
	assert.Equal(t, "vertex/gemini-2.0-flash-001", s.completer.requests[1].Model, "default model")

	// a browser without the cookie starts over
	other := &http.Client{}
	body := strings.NewReader(`{"message":"third"}`)
	resp, err := other.Post(s.URL+"/chat", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, s.completer.requests[2].Messages, 1)
}

func TestChat_FailureIsReportedWith200(t *testing.T) {
	s := newTestServer(t)
	s.completer.err = errors.New("upstream unavailable")

	var resp ChatResponse
	status := s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "ping"}, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "upstream unavailable")

	var costs CostsResponse
	s.do(t, http.MethodGet, "/api/costs", "", nil, &costs)
	assert.Equal(t, 0, costs.Session.MessageCount)
}

func TestChat_BadInput(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Post(s.URL+"/chat", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	var out ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Invalid request body", out.Error)

	s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "   "}, &out)
	assert.False(t, out.Success)
	assert.Empty(t, s.completer.requests)
}

func TestCostsAndAnalytics(t *testing.T) {
	s := newTestServer(t)
	for range 2 {
		s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "ping"}, nil)
	}

	var costs CostsResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/costs", "", nil, &costs))
	assert.Equal(t, 2, costs.Session.MessageCount)
	assert.InDelta(t, 0.0015, costs.Session.SessionCost, 1e-12)
	assert.InDelta(t, 0.0015, costs.HistoricalTotal, 1e-12)

	var report ReportResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/analytics?by=session", "", nil, &report))
	assert.Equal(t, 2, report.Report.TotalMessages)
	assert.InDelta(t, 0.045, report.Report.MonthlyProjection, 1e-12)
	assert.Empty(t, report.Warning)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, costs.Session.SessionID, report.Groups[0].Key)

	var errResp syncapi.Response
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/analytics?by=week", "", nil, &errResp))
	assert.Contains(t, errResp.Error, "unknown grouping")
}

func TestPricing(t *testing.T) {
	s := newTestServer(t)

	var resp PricingResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/pricing", "", nil, &resp))
	assert.Equal(t, pricing.DefaultModel, resp.DefaultModel)
	require.NotEmpty(t, resp.Models)
	assert.Equal(t, "Gemini 2.0 Flash Lite", resp.Models[0].Name)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var resp HealthResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil, &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Zero(t, resp.LedgerWriteErrors)
}

func TestHealth_CountsLedgerFailures(t *testing.T) {
	s := newTestServer(t)
	h := New(Deps{
		DB:        s.db,
		Sessions:  scs.New(),
		Completer: &fakeCompleter{},
		Ledger:    ledger.NewFileLedger(t.TempDir()), // a directory cannot be appended to
		Table:     pricing.Default(),
	})
	srv := httptest.NewServer(h.Routes(middleware.NewIPRateLimiter(100, 100)))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"message":"hi","model":"m"}`))
	require.NoError(t, err)
	var chatResp ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chatResp))
	resp.Body.Close()
	assert.True(t, chatResp.Success, "ledger failure must not fail the request")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, int64(1), health.LedgerWriteErrors)
	assert.Equal(t, "healthy", health.Status)
}

func TestSync_Flow(t *testing.T) {
	s := newTestServer(t)
	_, key, err := auth.CreateAccount(s.db, "laptop")
	require.NoError(t, err)

	events := []model.UsageEvent{
		{Timestamp: time.Date(2025, 5, 28, 12, 0, 0, 0, time.UTC), SessionID: "s1", Model: "vertex/gemini-2.0-flash-001", PromptTokens: 100, CompletionTokens: 10, Cost: 0.1, SessionTotal: 0.1},
		{Timestamp: time.Date(2025, 5, 29, 12, 0, 0, 0, time.UTC), SessionID: "s1", Model: "vertex/gemini-2.0-flash-001", PromptTokens: 100, CompletionTokens: 10, Cost: 0.2, SessionTotal: 0.3},
	}
	req := syncapi.Request{ClientID: "c1", ClientName: "host", Events: syncapi.ToWire(events)}
	req.Events = append(req.Events, syncapi.Event{Timestamp: "garbage", Model: "m"})

	var resp syncapi.Response
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/sync", key, req, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(2), resp.Inserted)

	// re-sending is idempotent
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/sync", key, req, &resp))
	assert.Equal(t, int64(0), resp.Inserted)

	var status syncapi.StatusResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/sync/status?client_id=c1", key, nil, &status))
	require.NotNil(t, status.LastEventAt)
	assert.True(t, status.LastEventAt.Equal(events[1].Timestamp))
	assert.NotNil(t, status.LastSyncAt)

	var report ReportResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/sync/report?by=day&timezone=UTC", key, nil, &report))
	assert.Equal(t, 2, report.Report.TotalMessages)
	assert.InDelta(t, 0.3, report.Report.TotalCost, 1e-12)
	assert.InDelta(t, 9.0, report.Report.MonthlyProjection, 1e-9)
	require.Len(t, report.Groups, 2)
	assert.Equal(t, "2025-05-29", report.Groups[0].Key)
}

func TestSync_Validation(t *testing.T) {
	s := newTestServer(t)
	_, key, err := auth.CreateAccount(s.db, "laptop")
	require.NoError(t, err)

	var resp syncapi.Response
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/sync", "", syncapi.Request{ClientID: "c1"}, &resp))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/sync", key, syncapi.Request{}, &resp))
	assert.Equal(t, "client_id is required", resp.Error)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/sync", key, syncapi.Request{ClientID: "c1"}, &resp))
	assert.Equal(t, "No events to sync", resp.Message)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/sync/status", key, nil, &resp))
}

func TestSync_AccountsAreIsolated(t *testing.T) {
	s := newTestServer(t)
	_, keyA, err := auth.CreateAccount(s.db, "a")
	require.NoError(t, err)
	_, keyB, err := auth.CreateAccount(s.db, "b")
	require.NoError(t, err)

	ev := model.UsageEvent{Timestamp: time.Now(), Model: "m", Cost: 0.5, SessionTotal: 0.5}
	var resp syncapi.Response
	s.do(t, http.MethodPost, "/api/sync", keyA, syncapi.Request{ClientID: "c1", Events: syncapi.ToWire([]model.UsageEvent{ev})}, &resp)

	var report ReportResponse
	s.do(t, http.MethodGet, "/api/sync/report", keyB, nil, &report)
	assert.Zero(t, report.Report.TotalMessages)
}

func TestCostsFeed(t *testing.T) {
	s := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/costs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]json.RawMessage {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	msg := read()
	assert.JSONEq(t, `"snapshot"`, string(msg["type"]))

	for range 3 {
		s.do(t, http.MethodPost, "/chat", "", ChatRequest{Message: "ping"}, nil)
	}

	msg = read()
	assert.JSONEq(t, `"cost_update"`, string(msg["type"]))
	var summary model.CostSummary
	require.NoError(t, json.Unmarshal(msg["data"], &summary))
	// requests ran back to back, so at least the last one is reflected
	assert.GreaterOrEqual(t, summary.MessageCount, 1)
	assert.LessOrEqual(t, summary.MessageCount, 3)
}
