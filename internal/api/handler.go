package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *fraud.Service
	limiter *ratelimit.Limiter
	store   domain.Store
	bus     domain.EventBus
	reviews domain.ReviewRepository
	engine  *rules.Engine
	metrics *Metrics
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *fraud.Service, limiter *ratelimit.Limiter, store domain.Store, bus domain.EventBus, reviews domain.ReviewRepository, engine *rules.Engine, metrics *Metrics, version string) *Handler {
	return &Handler{
		svc:     svc,
		limiter: limiter,
		store:   store,
		bus:     bus,
		reviews: reviews,
		engine:  engine,
		metrics: metrics,
		version: version,
	}
}

// Health returns component health. Degraded, not down, when a backing
// service is unreachable: the engine itself keeps serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.reviews != nil {
		if err := h.reviews.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CheckDemo handles POST /v1/checks/demo.
func (h *Handler) CheckDemo(w http.ResponseWriter, r *http.Request) {
	var req fraud.DemoCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.IP == "" {
		req.IP = GetClientIP(r.Context())
	}
	if req.DeviceHash == "" {
		req.DeviceHash = deviceHashFromRequest(r)
	}
	if req.AccountID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "accountId is required",
		})
		return
	}

	result, err := h.svc.CheckDemoEligibility(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	h.countCheck("demo", result.Action)
	writeJSON(w, http.StatusOK, result)
}

// CheckPayment handles POST /v1/checks/payment.
func (h *Handler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	var req fraud.PaymentCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}
	if req.IP == "" {
		req.IP = GetClientIP(r.Context())
	}

	result, err := h.svc.CheckPaymentRisk(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	h.countCheck("payment", result.Action)
	writeJSON(w, http.StatusOK, result)
}

// CheckBot handles POST /v1/checks/bot.
func (h *Handler) CheckBot(w http.ResponseWriter, r *http.Request) {
	var req fraud.BotCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	if req.IP == "" {
		req.IP = GetClientIP(r.Context())
	}

	signal := h.svc.CheckBotActivity(r.Context(), req)

	writeJSON(w, http.StatusOK, signal)
}

// CheckRateLimit handles POST /v1/ratelimit/check, the explicit
// admission-control API for callers that gate actions other than HTTP
// requests.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Tier       string `json:"tier"`
		Endpoint   string `json:"endpoint,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Identifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identifier is required",
		})
		return
	}
	if req.Tier == "" {
		req.Tier = "anonymous"
	}

	result, err := h.limiter.Check(r.Context(), req.Identifier, req.Tier, req.Endpoint)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// RegisterDemoRequest is the request body for POST /v1/usage/demo.
type RegisterDemoRequest struct {
	AccountID  int64               `json:"accountId"`
	IP         string              `json:"ip"`
	DeviceHash string              `json:"deviceHash,omitempty"`
	PhoneHash  string              `json:"phoneHash,omitempty"`
	Browser    *domain.Fingerprint `json:"browser,omitempty"`
}

// RegisterDemo handles POST /v1/usage/demo. Called after a demo is
// actually granted, never as part of the check.
func (h *Handler) RegisterDemo(w http.ResponseWriter, r *http.Request) {
	var req RegisterDemoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.AccountID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "accountId is required",
		})
		return
	}
	if req.IP == "" {
		req.IP = GetClientIP(r.Context())
	}
	if req.DeviceHash == "" {
		req.DeviceHash = deviceHashFromRequest(r)
	}

	if err := h.svc.RegisterDemoUsage(r.Context(), req.AccountID, req.IP, req.DeviceHash, req.PhoneHash, req.Browser); err != nil {
		slog.Error("failed to register demo usage", "account_id", req.AccountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to register demo usage",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "recorded",
	})
}

// RecordPaymentRequest is the request body for POST /v1/usage/payment.
type RecordPaymentRequest struct {
	UserID    string  `json:"userId"`
	Success   bool    `json:"success"`
	Amount    float64 `json:"amount"`
	PaymentID string  `json:"paymentId,omitempty"`
}

// RecordPayment handles POST /v1/usage/payment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}

	if err := h.svc.RecordPaymentAttempt(r.Context(), req.UserID, req.Success, req.Amount, req.PaymentID); err != nil {
		slog.Error("failed to record payment attempt", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record payment attempt",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "recorded",
	})
}

// RecordRegistration handles POST /v1/usage/registration, storing the
// IP a user signed up from for later country-mismatch checks.
func (h *Handler) RecordRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		IP     string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}
	if req.IP == "" {
		req.IP = GetClientIP(r.Context())
	}

	if err := h.svc.RecordRegistrationIP(r.Context(), req.UserID, req.IP); err != nil {
		slog.Error("failed to record registration ip", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record registration",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "recorded",
	})
}

// GetLimits handles GET /v1/limits.
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Limits().Load())
}

// UpdateLimits handles PUT /v1/limits. The whole limits document is
// replaced atomically; partial updates are not supported so a reader can
// never observe a mixed generation.
func (h *Handler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var limits domain.LimitsConfig
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.svc.Limits().Reload(limits); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	slog.Info("limits reloaded")
	writeJSON(w, http.StatusOK, h.svc.Limits().Load())
}

// ListRules returns all loaded operator rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRule validates and hot-loads a single operator rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.ID == "" || rule.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and expression are required",
		})
		return
	}

	if err := h.engine.LoadRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	slog.Info("rule loaded", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

// ReloadRules replaces the whole rule set atomically.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	var ruleSet []*domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&ruleSet); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.engine.ReloadRules(ruleSet); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded", "count", len(ruleSet))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// ListReviews handles GET /v1/reviews.
func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	if h.reviews == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "review repository not available",
		})
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	records, err := h.reviews.ListReviews(r.Context(), since, limit)
	if err != nil {
		slog.Error("failed to list reviews", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list reviews",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reviews": records,
		"count":   len(records),
	})
}

// GetReview handles GET /v1/reviews/{id}.
func (h *Handler) GetReview(w http.ResponseWriter, r *http.Request) {
	if h.reviews == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "review repository not available",
		})
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.reviews.GetReview(r.Context(), id)
	if err != nil {
		if err == review.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "review not found",
			})
			return
		}
		slog.Error("failed to get review", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get review",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// BlockIP handles POST /v1/blocklist.
func (h *Handler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP       string `json:"ip"`
		TTLHours int    `json:"ttlHours,omitempty"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ip is required",
		})
		return
	}
	if req.TTLHours <= 0 {
		req.TTLHours = 24
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual block"
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	if err := h.store.SetValue(r.Context(), blockedIPKey(req.IP), reason, ttl); err != nil {
		slog.Error("failed to block ip", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to block ip",
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "blocked",
	})
}

// UnblockIP handles DELETE /v1/blocklist/{ip}.
func (h *Handler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ip is required",
		})
		return
	}

	if err := h.store.Delete(r.Context(), blockedIPKey(ip)); err != nil {
		slog.Error("failed to unblock ip", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to unblock ip",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "unblocked",
	})
}

// deviceHashFromRequest derives a device hash from request headers for
// clients that sent no explicit fingerprint. The X-Screen-Resolution and
// X-Timezone headers are set by the frontend when available.
func deviceHashFromRequest(r *http.Request) string {
	return fraud.DeviceHashFromHeaders(
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("X-Screen-Resolution"),
		r.Header.Get("X-Timezone"),
	)
}

func (h *Handler) countCheck(check string, action domain.Action) {
	if h.metrics == nil {
		return
	}
	h.metrics.ChecksTotal.WithLabelValues(check, string(action)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
