// Package fraud implements the fraud-risk scoring engine: signal
// collectors, cross-correlation analysis and the decision aggregator.
package fraud

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fingerprint"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel-fraud")

// VPNChecker reports whether an IP belongs to a VPN, proxy or datacenter.
// Network-level detection is an external concern; the engine only
// consumes the boolean.
type VPNChecker func(ctx context.Context, ip string) (bool, error)

// GeoResolver maps an IP address to an ISO country code.
type GeoResolver func(ctx context.Context, ip string) (string, error)

// datacenterPrefixes is the fallback VPN heuristic when no external
// lookup is wired: well-known datacenter ranges.
var datacenterPrefixes = []string{
	"104.16.",  // Cloudflare
	"162.158.", // Cloudflare
	"172.64.",  // Cloudflare
	"34.64.",   // Google Cloud
	"35.192.",  // Google Cloud
}

// DatacenterVPNChecker is the default VPNChecker: a static prefix match
// against known datacenter ranges.
func DatacenterVPNChecker(ctx context.Context, ip string) (bool, error) {
	for _, prefix := range datacenterPrefixes {
		if strings.HasPrefix(ip, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// Service is the fraud-risk scoring engine. It is an explicit object
// with injected dependencies rather than a process-wide singleton, so
// tests can run parallel instances with independent stores and limits.
type Service struct {
	store  domain.Store
	bus    domain.EventBus
	index  *fingerprint.Index
	engine *rules.Engine
	limits *domain.LimitsHolder

	vpnCheck   VPNChecker
	geoResolve GeoResolver
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithVPNChecker overrides the VPN/proxy lookup.
func WithVPNChecker(check VPNChecker) Option {
	return func(s *Service) { s.vpnCheck = check }
}

// WithGeoResolver wires an IP-to-country lookup, enabling the payment
// country-mismatch check.
func WithGeoResolver(resolve GeoResolver) Option {
	return func(s *Service) { s.geoResolve = resolve }
}

// WithRulesEngine wires the operator rule engine so custom rules can
// contribute signals.
func WithRulesEngine(engine *rules.Engine) Option {
	return func(s *Service) { s.engine = engine }
}

// NewService creates the fraud engine.
func NewService(store domain.Store, bus domain.EventBus, index *fingerprint.Index, limits *domain.LimitsHolder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		bus:      bus,
		index:    index,
		limits:   limits,
		vpnCheck: DatacenterVPNChecker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits exposes the holder for the API layer's reload endpoint.
func (s *Service) Limits() *domain.LimitsHolder {
	return s.limits
}

// DemoCheckRequest carries the inputs for a demo-eligibility check.
// AccountID and IP are required; everything else sharpens the result when
// present.
type DemoCheckRequest struct {
	AccountID   int64               `json:"accountId"`
	IP          string              `json:"ip"`
	DeviceHash  string              `json:"deviceHash,omitempty"`
	PhoneHash   string              `json:"phoneHash,omitempty"`
	Profile     *AccountProfile     `json:"profile,omitempty"`
	Browser     *domain.Fingerprint `json:"browser,omitempty"`
}

// PaymentCheckRequest carries the inputs for a payment-risk check.
type PaymentCheckRequest struct {
	UserID      string  `json:"userId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	CardBIN     string  `json:"cardBin,omitempty"`
	CardCountry string  `json:"cardCountry,omitempty"`
	IP          string  `json:"ip,omitempty"`
	Email       string  `json:"email,omitempty"`
}

// BotCheckRequest carries the inputs for a bot-activity check.
// TimingSamples are unix timestamps (seconds, fractional) of recent
// requests from the same client.
type BotCheckRequest struct {
	UserAgent     string    `json:"userAgent"`
	IP            string    `json:"ip"`
	TimingSamples []float64 `json:"timingSamples,omitempty"`
}

// publishDecision emits the evaluation on the event bus. Flagged
// decisions (anything above LOW, or any non-allow action) go to the
// flagged topic for the offline review sink; the engine itself keeps no
// history. Publish failures are logged, never propagated; the decision
// already stands.
func (s *Service) publishDecision(ctx context.Context, checkType, identifier string, result *domain.FraudCheckResult) {
	if s.bus == nil {
		return
	}

	// The identifier is hashed by the caller; carry it whole so review
	// records stay joinable across checks.
	event := domain.DecisionEvent{
		DecisionID: uuid.New().String(),
		CheckType:  checkType,
		Identifier: identifier,
		Result:     result,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	topic := domain.TopicDecisionAllowed
	if result.Action != domain.ActionAllow || result.RiskLevel.Rank() >= domain.RiskMedium.Rank() {
		topic = domain.TopicDecisionFlagged
	}

	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish decision event",
			"topic", topic,
			"check_type", checkType,
			"error", err,
		)
	}
}
