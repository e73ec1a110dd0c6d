package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pricealerts/internal/alerts"
	"pricealerts/internal/models"
)

const maxBodyBytes = 1 << 20

// Response is the envelope every JSON endpoint except export answers with.
type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CreateAlertRequest is the POST /alerts body.
type CreateAlertRequest struct {
	Symbol      string      `json:"symbol"`
	TargetPrice json.Number `json:"targetPrice"`
	Direction   string      `json:"direction"`
}

// EvaluateRequest is the POST /alerts/evaluate body.
type EvaluateRequest struct {
	Ticks []models.Tick `json:"ticks"`
}

// RateLimiter is satisfied by *redis_rate.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// Option configures an API.
type Option func(*API)

// WithCreateLimit caps alert creation per client address per minute.
func WithCreateLimit(l RateLimiter, perMinute int) Option {
	return func(a *API) {
		if perMinute > 0 {
			a.limiter = l
			a.createLimit = redis_rate.PerMinute(perMinute)
		}
	}
}

// API serves the alert store over HTTP.
type API struct {
	store       *alerts.Store
	eval        *alerts.Evaluator
	logger      *zap.Logger
	tracer      trace.Tracer
	limiter     RateLimiter
	createLimit redis_rate.Limit
}

// NewAPI builds the handlers over store and eval.
func NewAPI(store *alerts.Store, eval *alerts.Evaluator, logger *zap.Logger, opts ...Option) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{
		store:  store,
		eval:   eval,
		logger: logger,
		tracer: otel.Tracer("price-alerts"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register mounts every alert route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /alerts", a.BrowseAlerts)
	mux.HandleFunc("POST /alerts", a.CreateAlert)
	mux.HandleFunc("DELETE /alerts", a.ClearAlerts)
	mux.HandleFunc("DELETE /alerts/triggered", a.ClearTriggered)
	mux.HandleFunc("GET /alerts/stats", a.Stats)
	mux.HandleFunc("GET /alerts/export", a.ExportAlerts)
	mux.HandleFunc("POST /alerts/import", a.ImportAlerts)
	mux.HandleFunc("POST /alerts/evaluate", a.Evaluate)
	mux.HandleFunc("GET /alerts/{id}", a.GetAlert)
	mux.HandleFunc("PATCH /alerts/{id}", a.UpdateAlert)
	mux.HandleFunc("DELETE /alerts/{id}", a.DeleteAlert)
}

// BrowseAlerts lists alerts, optionally filtered by ?symbol= and ?active=.
func (a *API) BrowseAlerts(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "BrowseAlerts")
	defer span.End()

	q := r.URL.Query()
	var list []models.PriceAlert
	if symbol := q.Get("symbol"); symbol != "" {
		list = a.store.ListBySymbol(symbol)
	} else {
		list = a.store.ListAll()
	}

	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Message: "active must be true or false"})
			return
		}
		filtered := list[:0]
		for _, al := range list {
			if al.Active == active {
				filtered = append(filtered, al)
			}
		}
		list = filtered
	}

	writeJSON(w, http.StatusOK, Response{Message: "Alerts retrieved successfully", Data: list})
}

// CreateAlert adds an active alert, subject to the per-client create limit.
func (a *API) CreateAlert(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "CreateAlert")
	defer span.End()
	traceID := span.SpanContext().TraceID().String()

	if !a.allowCreate(ctx, w, r) {
		return
	}

	var req CreateAlertRequest
	if err := decodeBody(r, &req); err != nil {
		a.logger.Warn("invalid create request", zap.String("trace_id", traceID), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, Response{Message: "Invalid request body"})
		return
	}
	price, err := decimal.NewFromString(req.TargetPrice.String())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "targetPrice must be a number"})
		return
	}
	dir, ok := models.ParseDirection(req.Direction)
	if !ok {
		dir = models.Direction(req.Direction)
	}

	alert, err := a.store.Add(req.Symbol, price, dir)
	if err != nil {
		a.logger.Info("alert rejected", zap.String("trace_id", traceID), zap.Error(err))
		writeError(w, err)
		return
	}
	a.logger.Info("alert created",
		zap.String("trace_id", traceID),
		zap.String("alert_id", alert.ID),
		zap.String("symbol", alert.Symbol),
	)
	writeJSON(w, http.StatusCreated, Response{Message: "Alert created successfully", Data: alert})
}

func (a *API) allowCreate(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if a.limiter == nil {
		return true
	}
	res, err := a.limiter.Allow(ctx, "alerts:create:"+clientIP(r), a.createLimit)
	if err != nil {
		// fail open
		a.logger.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if res.Allowed > 0 {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Round(time.Second)/time.Second)))
	writeJSON(w, http.StatusTooManyRequests, Response{Message: "Too many alerts created, retry later"})
	return false
}

// GetAlert returns one alert by id.
func (a *API) GetAlert(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "GetAlert")
	defer span.End()

	alert, ok := a.store.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, Response{Message: "Alert not found"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "Alert retrieved successfully", Data: alert})
}

// UpdateAlert applies a partial update. Triggered alerts and updates that
// would duplicate another active alert answer 409.
func (a *API) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "UpdateAlert")
	defer span.End()
	id := r.PathValue("id")

	if _, ok := a.store.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, Response{Message: "Alert not found"})
		return
	}

	var p models.Patch
	if err := decodeBody(r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "Invalid request body"})
		return
	}
	if p.Empty() {
		writeJSON(w, http.StatusBadRequest, Response{Message: "No fields to update"})
		return
	}

	updated, found, err := a.store.Update(id, p)
	if !found {
		writeJSON(w, http.StatusNotFound, Response{Message: "Alert not found"})
		return
	}
	if err != nil {
		a.logger.Info("update rejected", zap.String("alert_id", id), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "Alert updated successfully", Data: updated})
}

// DeleteAlert removes one alert, active or not.
func (a *API) DeleteAlert(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "DeleteAlert")
	defer span.End()

	if !a.store.Remove(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, Response{Message: "Alert not found"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "Alert deleted successfully"})
}

// ClearAlerts empties the store.
func (a *API) ClearAlerts(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "ClearAlerts")
	defer span.End()

	a.store.ClearAll()
	writeJSON(w, http.StatusOK, Response{Message: "All alerts cleared"})
}

// ClearTriggered removes fired alerts and reports how many went.
func (a *API) ClearTriggered(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "ClearTriggered")
	defer span.End()

	n := a.store.ClearTriggered()
	writeJSON(w, http.StatusOK, Response{Message: "Triggered alerts cleared", Data: map[string]int{"removed": n}})
}

// Stats returns the aggregate counts.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "Stats")
	defer span.End()

	writeJSON(w, http.StatusOK, Response{Message: "Alert stats", Data: a.store.Stats()})
}

// ExportAlerts writes the bare JSON array accepted by ImportAlerts.
func (a *API) ExportAlerts(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "ExportAlerts")
	defer span.End()

	b, err := a.store.Export()
	if err != nil {
		a.logger.Error("export failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Response{Message: "Failed to export alerts"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="price_alerts.json"`)
	_, _ = w.Write(b)
}

// ImportAlerts replaces the collection with an exported JSON array.
func (a *API) ImportAlerts(w http.ResponseWriter, r *http.Request) {
	_, span := a.tracer.Start(r.Context(), "ImportAlerts")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "Invalid request body"})
		return
	}
	if err := a.store.Import(body); err != nil {
		a.logger.Info("import rejected", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "Alerts imported successfully", Data: a.store.Stats()})
}

// Evaluate runs a batch of ticks through the evaluator and returns what
// fired.
func (a *API) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "EvaluateHandler")
	defer span.End()

	var req EvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "Invalid request body"})
		return
	}
	fired := a.eval.Evaluate(ctx, req.Ticks)
	if fired == nil {
		fired = []models.TriggeredAlert{}
	}
	writeJSON(w, http.StatusOK, Response{Message: "Ticks evaluated", Data: fired})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, alerts.ErrInvalidPrice),
		errors.Is(err, alerts.ErrInvalidSymbol),
		errors.Is(err, alerts.ErrInvalidDirection),
		errors.Is(err, alerts.ErrMalformedImport):
		status = http.StatusBadRequest
	case errors.Is(err, alerts.ErrDuplicateAlert),
		errors.Is(err, alerts.ErrAlertTriggered):
		status = http.StatusConflict
	}
	writeJSON(w, status, Response{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
