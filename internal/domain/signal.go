// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// RiskLevel is the ordinal severity of a fraud signal or check result.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordinal position of the risk level (LOW < MEDIUM < HIGH < CRITICAL).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// SignalType identifies the kind of fraud evidence a signal carries.
type SignalType string

const (
	SignalDemoAbuse         SignalType = "demo_abuse"
	SignalMultipleAccounts  SignalType = "multiple_accounts"
	SignalSuspiciousIP      SignalType = "suspicious_ip"
	SignalDeviceFingerprint SignalType = "device_fingerprint"
	SignalRateLimitExceeded SignalType = "rate_limit_exceeded"
	SignalPaymentFraud      SignalType = "payment_fraud"
	SignalChargebackRisk    SignalType = "chargeback_risk"
	SignalBotActivity       SignalType = "bot_activity"
	SignalProxyVPN          SignalType = "proxy_vpn"
	SignalCustomRule        SignalType = "custom_rule"
)

// Action is the decision produced by the aggregator.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// FraudSignal is one atomic piece of fraud evidence produced by a single check.
// Signals are immutable once created.
type FraudSignal struct {
	Type        SignalType     `json:"type"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	Score       float64        `json:"score"` // normalized to [0,1]
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewSignal creates a signal with the timestamp set to now.
func NewSignal(typ SignalType, level RiskLevel, score float64, description string, metadata map[string]any) FraudSignal {
	return FraudSignal{
		Type:        typ,
		RiskLevel:   level,
		Score:       score,
		Description: description,
		Metadata:    metadata,
		Timestamp:   time.Now().UTC(),
	}
}

// FraudCheckResult is the outcome of one fraud evaluation.
// Computed per call and never persisted by the engine itself.
type FraudCheckResult struct {
	Passed     bool          `json:"passed"`
	RiskLevel  RiskLevel     `json:"riskLevel"`
	TotalScore float64       `json:"totalScore"` // max of signal scores, never a sum
	Signals    []FraudSignal `json:"signals"`
	Action     Action        `json:"action"`
	Reason     string        `json:"reason,omitempty"`
}

// RateLimitResult is the outcome of an admission-control check.
type RateLimitResult struct {
	Allowed      bool      `json:"allowed"`
	CurrentCount int64     `json:"currentCount"`
	Limit        int64     `json:"limit"`
	ResetAt      time.Time `json:"resetAt"`
	RetryAfter   int       `json:"retryAfter,omitempty"` // seconds
}

// PaymentAttempt is one entry in a user's bounded payment history ring.
type PaymentAttempt struct {
	PaymentID  string    `json:"id"`
	Success    bool      `json:"success"`
	Amount     float64   `json:"amount"`
	Chargeback bool      `json:"chargeback,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DecisionEvent is published on the event bus for every fraud evaluation.
// Flagged decisions are picked up by the review worker; the engine itself
// keeps no history.
type DecisionEvent struct {
	DecisionID string            `json:"decisionId"`
	CheckType  string            `json:"checkType"` // demo, payment, bot
	Identifier string            `json:"identifier"`
	Result     *FraudCheckResult `json:"result"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Decision event topics.
const (
	TopicDecisionFlagged = "decision.flagged"
	TopicDecisionAllowed = "decision.allowed"
	TopicRateLimitDenied = "ratelimit.denied"
)
