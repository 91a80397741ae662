package claimd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"rewardsettle/observability"
	"rewardsettle/services/claimd/claimerr"
	"rewardsettle/services/claimd/confirm"
	"rewardsettle/services/claimd/ledger"
	"rewardsettle/services/claimd/queue"
	"rewardsettle/services/claimd/refund"
	"rewardsettle/services/claimd/settlement"
	"rewardsettle/services/claimd/stats"
)

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	DB               *gorm.DB
	Ledger           *ledger.Service
	Queue            *queue.Repository
	Engine           settlement.Runner
	Confirm          *confirm.Handler
	Refund           *refund.Handler
	Stats            *stats.Reporter
	Auth             *Authenticator
	RateLimiter      *RateLimiter
	SchedulerToken   string
	MaxPendingClaims int
	MaxRetries       int
	Logger           *slog.Logger
	Metrics          *observability.ClaimsMetrics
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
}

// Server exposes the claim pipeline over HTTP.
type Server struct {
	db               *gorm.DB
	ledger           *ledger.Service
	queue            *queue.Repository
	engine           settlement.Runner
	confirm          *confirm.Handler
	refund           *refund.Handler
	stats            *stats.Reporter
	auth             *Authenticator
	limiter          *RateLimiter
	schedulerToken   string
	maxPendingClaims int
	maxRetries       int
	logger           *slog.Logger
	metrics          *observability.ClaimsMetrics
	gatherer         prometheus.Gatherer

	router http.Handler
}

// NewServer validates dependencies and builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("server: database required")
	case cfg.Ledger == nil, cfg.Queue == nil, cfg.Engine == nil:
		return nil, errors.New("server: ledger, queue and engine required")
	case cfg.Confirm == nil, cfg.Refund == nil, cfg.Stats == nil:
		return nil, errors.New("server: confirm, refund and stats handlers required")
	case cfg.Auth == nil:
		return nil, errors.New("server: authenticator required")
	case strings.TrimSpace(cfg.SchedulerToken) == "":
		return nil, errors.New("server: scheduler token required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = settlement.DefaultMaxRetries
	}
	s := &Server{
		db:               cfg.DB,
		ledger:           cfg.Ledger,
		queue:            cfg.Queue,
		engine:           cfg.Engine,
		confirm:          cfg.Confirm,
		refund:           cfg.Refund,
		stats:            cfg.Stats,
		auth:             cfg.Auth,
		limiter:          cfg.RateLimiter,
		schedulerToken:   cfg.SchedulerToken,
		maxPendingClaims: cfg.MaxPendingClaims,
		maxRetries:       cfg.MaxRetries,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		gatherer:         cfg.Gatherer,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/claims", func(claims chi.Router) {
		claims.Group(func(user chi.Router) {
			user.Use(s.auth.Middleware())
			user.Use(s.limiter.Middleware)
			user.Post("/admit", s.Admit)
			user.Get("/pending", s.Pending)
			user.Get("/failed", s.Failed)
			user.Post("/confirm", s.Confirm)
			user.Post("/refund", s.Refund)
		})
		claims.With(s.auth.Middleware(s.auth.AdminScope())).Post("/earnings", s.RecordEarning)
		claims.Group(func(ops chi.Router) {
			ops.Use(SchedulerAuth(s.schedulerToken))
			ops.Get("/run-batch", s.RunBatch)
			ops.Get("/stats", s.Stats)
		})
	})

	return otelhttp.NewHandler(r, "claimd")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.ObserveRequest(route, r.Method, recorder.status, time.Since(start))
	})
}

// jsonScalar accepts a JSON string or number and keeps its literal text so
// large on-chain values never pass through float64.
type jsonScalar string

func (s *jsonScalar) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*s = jsonScalar(strings.TrimSpace(value))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("expected string or number")
	}
	*s = jsonScalar(number.String())
	return nil
}

func (s jsonScalar) decimal(field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, claimerr.Validation("%s is required", field)
	}
	value, err := decimal.NewFromString(string(s))
	if err != nil {
		return decimal.Zero, claimerr.Validation("%s must be a decimal number", field)
	}
	return value, nil
}

func parseID(raw, field string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.Nil, claimerr.Validation("%s is required", field)
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, claimerr.Validation("%s must be a uuid", field)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return claimerr.Validation("invalid request body: %v", err)
	}
	return nil
}

// subject resolves the user a request acts on. Non-admin callers may only act
// on themselves; an omitted user defaults to the caller.
func subject(r *http.Request, requested string) (string, error) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		return "", fmt.Errorf("%w: missing identity", claimerr.ErrUnauthorized)
	}
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return caller.ID, nil
	}
	if requested != caller.ID && !caller.Admin {
		return "", fmt.Errorf("%w: caller %s cannot act for %s", claimerr.ErrUnauthorized, caller.ID, requested)
	}
	return requested, nil
}

// Admit debits the caller's ledger and queues a claim.
func (s *Server) Admit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string     `json:"userId"`
		Amount jsonScalar `json:"amount"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	userID, err := subject(r, req.UserID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	amount, err := req.Amount.decimal("amount")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	result, err := s.ledger.Admit(r.Context(), userID, amount)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"newBalance": result.NewBalance,
		"claimId":    result.ClaimID,
	})
}

// Pending lists the user's queued claims up to the admission cap.
func (s *Server) Pending(w http.ResponseWriter, r *http.Request) {
	userID, err := subject(r, r.URL.Query().Get("userId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rows, err := s.queue.Pending(r.Context(), userID, s.maxPendingClaims)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "claims": rows})
}

// Failed lists the user's permanently failed claims.
func (s *Server) Failed(w http.ResponseWriter, r *http.Request) {
	userID, err := subject(r, r.URL.Query().Get("userId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rows, err := s.queue.Failed(r.Context(), userID, s.maxRetries)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "claims": rows})
}

// Confirm records a claim the client executed on-chain itself.
func (s *Server) Confirm(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		s.writeFailure(w, r, claimerr.ErrUnauthorized)
		return
	}
	var req struct {
		ClaimableRewardID  string     `json:"claimableRewardId"`
		TransactionHash    string     `json:"transactionHash"`
		AmountOnChainUnits jsonScalar `json:"amountClaimedOnChainUnits"`
		NonceUsed          jsonScalar `json:"nonceUsed"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rewardID, err := parseID(req.ClaimableRewardID, "claimableRewardId")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	result, err := s.confirm.Confirm(r.Context(), confirm.Request{
		RewardID:           rewardID,
		TransactionHash:    req.TransactionHash,
		AmountOnChainUnits: string(req.AmountOnChainUnits),
		NonceUsed:          string(req.NonceUsed),
		CallerID:           caller.ID,
		Admin:              caller.Admin,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"rewardId":   result.Reward.ID,
		"newBalance": result.NewBalance,
	})
}

// Refund credits a permanently failed claim back to its owner.
func (s *Server) Refund(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		s.writeFailure(w, r, claimerr.ErrUnauthorized)
		return
	}
	var req struct {
		TransactionID string `json:"transactionId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	id, err := parseID(req.TransactionID, "transactionId")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	result, err := s.refund.Refund(r.Context(), refund.Request{TransactionID: id, CallerID: caller.ID, Admin: caller.Admin})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "newBalance": result.NewBalance})
}

// RecordEarning credits an in-app earning and creates a claimable reward.
func (s *Server) RecordEarning(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string     `json:"userId"`
		Amount        jsonScalar `json:"amount"`
		WalletAddress string     `json:"walletAddress"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	amount, err := req.Amount.decimal("amount")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	result, err := s.ledger.RecordEarning(r.Context(), ledger.EarningRequest{
		UserID:        req.UserID,
		Amount:        amount,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"rewardId":   result.RewardID,
		"newBalance": result.NewBalance,
	})
}

// RunBatch executes one settlement pass and reports the queue around it.
func (s *Server) RunBatch(w http.ResponseWriter, r *http.Request) {
	report, err := RunBatch(r.Context(), s.engine, s.stats)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// Stats reports the queue per status.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// Health reports whether the database is reachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, claimerr.ErrValidation), errors.Is(err, claimerr.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, claimerr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, claimerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, claimerr.ErrStateConflict), errors.Is(err, claimerr.ErrAlreadyRefunded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("route", r.URL.Path),
			slog.String("error", err.Error()))
		message = "internal error"
	}
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"reason":  claimerr.Reason(err),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
