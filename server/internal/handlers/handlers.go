package handlers

import (
	"encoding/gob"
	"encoding/json"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/analytics"
	"github.com/NeuralForge6000/goop-utilities/internal/chat"
	"github.com/NeuralForge6000/goop-utilities/internal/config"
	"github.com/NeuralForge6000/goop-utilities/internal/ledger"
	"github.com/NeuralForge6000/goop-utilities/internal/llm"
	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
	"github.com/NeuralForge6000/goop-utilities/internal/pricing"
	"github.com/NeuralForge6000/goop-utilities/internal/syncapi"
	"github.com/NeuralForge6000/goop-utilities/internal/tracker"
	"github.com/NeuralForge6000/goop-utilities/server/internal/auth"
	"github.com/NeuralForge6000/goop-utilities/server/internal/database"
	"github.com/NeuralForge6000/goop-utilities/server/internal/middleware"
)

const (
	historyKey = "history"
	feedKey    = "costs"
)

func init() {
	// scs stores session values with encoding/gob
	gob.Register([]llm.Message{})
}

// Deps are the collaborators of the HTTP handlers
type Deps struct {
	DB        *database.DB
	Sessions  *scs.SessionManager
	Completer llm.Completer
	Ledger    ledger.Ledger
	Table     *pricing.Table
	Chat      config.ChatConfig
	Alerts    config.AlertsConfig
	Logger    *zap.Logger
	// FeedDelay coalesces /ws/costs updates; zero means 250ms
	FeedDelay time.Duration
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db       *database.DB
	sessions *scs.SessionManager
	ledger   ledger.Ledger
	table    *pricing.Table
	chatCfg  config.ChatConfig
	alerts   config.AlertsConfig

	chat    *chat.Service
	tracker *tracker.Tracker
	hub     *Hub
	feed    *Debouncer[model.CostSummary]

	ledgerErrors atomic.Int64
}

// New creates a Handler with one process-wide cost session
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.FeedDelay <= 0 {
		d.FeedDelay = 250 * time.Millisecond
	}

	h := &Handler{
		db:       d.DB,
		sessions: d.Sessions,
		ledger:   d.Ledger,
		table:    d.Table,
		chatCfg:  d.Chat,
		alerts:   d.Alerts,
		hub:      NewHub(d.Logger),
	}
	h.tracker = tracker.New(d.Table, d.Ledger, tracker.WithObserver(h.observeLedger))
	h.chat = chat.NewService(d.Completer, h.tracker, d.Chat)
	h.feed = NewDebouncer(d.FeedDelay, func(_ string, v model.CostSummary) {
		h.hub.Broadcast("cost_update", v)
	})
	return h
}

// Close drops cost updates that have not been broadcast yet
func (h *Handler) Close() {
	h.feed.Stop()
}

func (h *Handler) observeLedger(_ model.UsageEvent, err error) {
	if err != nil {
		h.ledgerErrors.Add(1)
	}
}

// Routes returns the server's routes. Chat history lives in the scs
// session, so only /chat goes through LoadAndSave.
func (h *Handler) Routes(limiter *middleware.IPRateLimiter) http.Handler {
	keys := auth.NewMiddleware(h.db)
	mux := http.NewServeMux()

	mux.Handle("POST /chat", limiter.Limit(h.sessions.LoadAndSave(http.HandlerFunc(h.Chat))))

	mux.HandleFunc("GET /api/costs", h.Costs)
	mux.HandleFunc("GET /api/analytics", h.Analytics)
	mux.HandleFunc("GET /api/pricing", h.Pricing)
	mux.HandleFunc("GET /ws/costs", h.CostsFeed)
	mux.HandleFunc("GET /health", h.Health)

	mux.Handle("POST /api/sync", keys.RequireAPIKey(http.HandlerFunc(h.APISync)))
	mux.Handle("GET /api/sync/status", keys.RequireAPIKey(http.HandlerFunc(h.APISyncStatus)))
	mux.Handle("GET /api/sync/report", keys.RequireAPIKey(http.HandlerFunc(h.APISyncReport)))

	return mux
}

// ChatRequest is the POST /chat body
type ChatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

// CostInfo is the cost block of a chat answer
type CostInfo struct {
	LastCost     float64 `json:"last_cost"`
	SessionCost  float64 `json:"session_cost"`
	MessageCount int     `json:"message_count"`
	AvgCost      float64 `json:"avg_cost"`
	Tokens       int64   `json:"tokens"`
}

// ChatResponse is the POST /chat answer. Failures are reported with
// Success false and HTTP 200.
type ChatResponse struct {
	Success  bool      `json:"success"`
	Response string    `json:"response,omitempty"`
	Model    string    `json:"model,omitempty"`
	CostInfo *CostInfo `json:"cost_info,omitempty"`
	Alerts   []string  `json:"alerts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Chat sends one message with the browser's conversation history
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusOK, ChatResponse{Error: "Invalid request body"})
		return
	}
	modelKey := strings.TrimSpace(req.Model)
	if modelKey == "" {
		modelKey = h.chatCfg.DefaultModel
	}

	history, _ := h.sessions.Get(ctx, historyKey).([]llm.Message)
	history = append(history, llm.Message{Role: "user", Content: req.Message})

	reply, err := h.chat.Send(ctx, modelKey, history)
	if err != nil {
		h.writeJSON(w, http.StatusOK, ChatResponse{Error: err.Error()})
		return
	}

	history = append(history, llm.Message{Role: "assistant", Content: reply.Text})
	h.sessions.Put(ctx, historyKey, chat.Trim(history, h.chatCfg.HistoryLimit))

	h.feed.Schedule(feedKey, reply.Cost)

	h.writeJSON(w, http.StatusOK, ChatResponse{
		Success:  true,
		Response: reply.Text,
		Model:    reply.Model,
		CostInfo: &CostInfo{
			LastCost:     reply.Cost.EventCost,
			SessionCost:  reply.Cost.SessionCost,
			MessageCount: reply.Cost.MessageCount,
			AvgCost:      reply.Cost.CostPerMessage,
			Tokens:       reply.TotalTokens,
		},
		Alerts: chat.Alerts(reply.Cost, h.alerts),
	})
}

// CostsResponse is the GET /api/costs answer
type CostsResponse struct {
	Session         model.SessionState `json:"session"`
	HistoricalTotal float64            `json:"historical_total"`
}

// Costs returns the live session totals
func (h *Handler) Costs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, CostsResponse{
		Session:         h.tracker.Snapshot(),
		HistoricalTotal: h.tracker.HistoricalTotal(r.Context()),
	})
}

// ReportResponse is the answer of the ledger analysis endpoints
type ReportResponse struct {
	Report  model.Report            `json:"report"`
	Groups  []model.AggregatedUsage `json:"groups,omitempty"`
	Total   *model.AggregatedUsage  `json:"total,omitempty"`
	Warning string                  `json:"warning,omitempty"`
}

// Analytics replays the server's own ledger
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, func() iter.Seq[model.UsageEvent] {
		return h.ledger.Events(r.Context())
	})
}

// PricingResponse is the GET /api/pricing answer
type PricingResponse struct {
	DefaultModel string               `json:"default_model"`
	Models       []model.PricingEntry `json:"models"`
}

// Pricing returns the pricing table, cheapest first
func (h *Handler) Pricing(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, PricingResponse{
		DefaultModel: h.table.DefaultKey(),
		Models:       h.table.Models(),
	})
}

// CostsFeed streams session cost updates over a websocket. New subscribers
// get the current snapshot first.
func (h *Handler) CostsFeed(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.hub.Add(conn)
	if err := h.hub.Send(conn, "snapshot", h.tracker.Snapshot()); err != nil {
		h.hub.Remove(conn)
		return
	}

	// Nothing is expected from subscribers; reading detects the close
	go func() {
		defer h.hub.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("feed subscriber read error", zap.Error(err))
				}
				return
			}
		}
	}()
}

// HealthResponse is the GET /health answer
type HealthResponse struct {
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	LedgerWriteErrors int64  `json:"ledger_write_errors"`
	Subscribers       int    `json:"subscribers"`
}

// Health handles the health check endpoint. Ledger write failures are
// reported but do not make the server unhealthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:            "healthy",
		LedgerWriteErrors: h.ledgerErrors.Load(),
		Subscribers:       h.hub.Len(),
	}

	if err := h.db.PingContext(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = "database unavailable"
		h.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// APISync ingests a batch of ledger events from a client
func (h *Handler) APISync(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	account := auth.GetAccount(r.Context())
	if account == nil {
		h.jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req syncapi.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ClientID == "" {
		h.jsonError(w, "client_id is required", http.StatusBadRequest)
		return
	}

	if len(req.Events) == 0 {
		h.writeJSON(w, http.StatusOK, syncapi.Response{
			Success: true,
			Message: "No events to sync",
		})
		return
	}

	clientName := req.ClientName
	if clientName == "" {
		clientName = req.ClientID
	}
	if _, err := h.db.GetOrCreateClient(account.ID, req.ClientID, clientName); err != nil {
		log.Error("failed to create client", zap.String("client", req.ClientID), zap.Error(err))
		h.jsonError(w, "Failed to create client", http.StatusInternalServerError)
		return
	}

	events := syncapi.FromWire(req.Events)
	records := make([]database.UsageRecord, len(events))
	for i, ev := range events {
		records[i] = database.UsageRecord{
			AccountID:        account.ID,
			ClientID:         req.ClientID,
			Timestamp:        ev.Timestamp,
			SessionID:        ev.SessionID,
			Model:            ev.Model,
			PromptTokens:     ev.PromptTokens,
			CompletionTokens: ev.CompletionTokens,
			Cost:             ev.Cost,
			SessionTotal:     ev.SessionTotal,
		}
	}

	inserted, err := h.db.InsertUsageRecords(records)
	if err != nil {
		log.Error("failed to insert usage events", zap.Error(err))
		h.jsonError(w, "Failed to insert events", http.StatusInternalServerError)
		return
	}

	if err := h.db.UpdateClientLastSync(account.ID, req.ClientID, time.Now()); err != nil {
		log.Warn("failed to update last sync time", zap.Error(err))
	}

	log.Info("sync completed",
		zap.String("client", req.ClientID),
		zap.Int("received", len(req.Events)),
		zap.Int("skipped", len(req.Events)-len(events)),
		zap.Int64("inserted", inserted),
	)

	h.writeJSON(w, http.StatusOK, syncapi.Response{
		Success:  true,
		Message:  "Sync completed",
		Inserted: inserted,
	})
}

// APISyncStatus returns the sync status for a client
func (h *Handler) APISyncStatus(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	if account == nil {
		h.jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		h.jsonError(w, "client_id is required", http.StatusBadRequest)
		return
	}

	status, err := h.db.GetClientSyncStatus(account.ID, clientID)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to get sync status", zap.Error(err))
		h.jsonError(w, "Failed to get sync status", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, syncapi.StatusResponse{
		LastSyncAt:  status.LastSyncAt,
		LastEventAt: status.LastEventAt,
	})
}

// APISyncReport analyzes the events an account has synced, optionally for
// one client
func (h *Handler) APISyncReport(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	if account == nil {
		h.jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filter := database.EventFilter{ClientID: r.URL.Query().Get("client_id")}
	h.report(w, r, func() iter.Seq[model.UsageEvent] {
		return h.db.Events(r.Context(), account.ID, filter)
	})
}

// report answers with a ledger analysis of events. Query parameters: by
// (day, month, session), since and until (YYYYMMDD), timezone.
func (h *Handler) report(w http.ResponseWriter, r *http.Request, events func() iter.Seq[model.UsageEvent]) {
	q := r.URL.Query()

	opts, err := analytics.ParseOptions(q.Get("since"), q.Get("until"), q.Get("timezone"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp ReportResponse
	if by := q.Get("by"); by != "" {
		resp.Groups, err = analytics.Group(by, events(), opts)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		total := analytics.CalculateTotal(resp.Groups)
		resp.Total = &total
	}

	resp.Report = analytics.SummarizeEvents(events())
	resp.Warning = chat.ProjectionAlert(resp.Report, h.alerts)

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, syncapi.Response{Error: message})
}
