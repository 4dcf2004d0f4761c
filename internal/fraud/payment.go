package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Payment history retention.
const (
	paymentRingMax = 100
	paymentRingTTL = 90 * 24 * time.Hour
	failedCountTTL = 30 * 24 * time.Hour
)

// disposableEmailDomains are throwaway mail providers. A payment from one
// is a weak fraud hint, not a blocker.
var disposableEmailDomains = map[string]struct{}{
	"tempmail.com":      {},
	"throwaway.email":   {},
	"guerrillamail.com": {},
	"mailinator.com":    {},
	"10minutemail.com":  {},
	"temp-mail.org":     {},
	"fakeinbox.com":     {},
	"trashmail.com":     {},
	"yopmail.com":       {},
}

// CheckPaymentRisk scores a payment attempt. Every check contributes a
// signal to the aggregator; none short-circuits.
func (s *Service) CheckPaymentRisk(ctx context.Context, req PaymentCheckRequest) (domain.FraudCheckResult, error) {
	ctx, span := tracer.Start(ctx, "fraud.CheckPaymentRisk")
	defer span.End()

	if req.UserID == "" {
		return domain.FraudCheckResult{}, errors.New("userId is required")
	}

	limits := s.limits.Load()
	var signals []domain.FraudSignal

	// High-risk card country.
	if req.CardCountry != "" && isHighRisk(req.CardCountry, limits.HighRiskCountries) {
		signals = append(signals, domain.NewSignal(
			domain.SignalPaymentFraud,
			domain.RiskMedium,
			0.5,
			fmt.Sprintf("Card from high-risk country: %s", strings.ToUpper(req.CardCountry)),
			map[string]any{"country": strings.ToUpper(req.CardCountry)},
		))
	}

	// Failed payment history.
	failedCount, err := s.store.Count(ctx, keyFailedPayments(req.UserID))
	if err != nil {
		s.logOmitted("failed_payments", err)
	} else if failedCount >= limits.MaxFailedPayments {
		signals = append(signals, domain.NewSignal(
			domain.SignalPaymentFraud,
			domain.RiskHigh,
			0.7,
			fmt.Sprintf("User has %d failed payments", failedCount),
			map[string]any{"failed_count": failedCount},
		))
	}

	// Payment velocity over the last hour, computed from the ring.
	attempts, err := s.recentAttempts(ctx, req.UserID)
	if err != nil {
		s.logOmitted("payment_velocity", err)
	} else {
		recent := countSince(attempts, time.Now().Add(-time.Hour))
		if recent > limits.PaymentVelocityPerHour {
			signals = append(signals, domain.NewSignal(
				domain.SignalPaymentFraud,
				domain.RiskMedium,
				0.5,
				fmt.Sprintf("High payment velocity: %d in last hour", recent),
				map[string]any{"recent_payments": recent},
			))
		}

		// Chargeback rate over the retained history.
		if rate := chargebackRate(attempts); rate > limits.ChargebackThreshold {
			signals = append(signals, domain.NewSignal(
				domain.SignalChargebackRisk,
				domain.RiskCritical,
				0.9,
				fmt.Sprintf("High chargeback rate: %.1f%%", rate*100),
				map[string]any{"chargeback_rate": rate},
			))
		}
	}

	// Payment IP country differs from registration country.
	if req.IP != "" && s.geoResolve != nil {
		if sig := s.countryMismatchSignal(ctx, req.UserID, req.IP); sig != nil {
			signals = append(signals, *sig)
		}
	}

	// Disposable email domain.
	if req.Email != "" && isDisposableEmail(req.Email) {
		signals = append(signals, domain.NewSignal(
			domain.SignalPaymentFraud,
			domain.RiskMedium,
			0.3,
			"Disposable email domain detected",
			map[string]any{"email_domain": emailDomain(req.Email)},
		))
	}

	// Operator rules.
	if s.engine != nil {
		attrs := map[string]any{
			"check":        "payment",
			"amount":       req.Amount,
			"currency":     req.Currency,
			"country":      strings.ToUpper(req.CardCountry),
			"failed_count": failedCount,
		}
		signals = append(signals, s.engine.Evaluate(ctx, "payment", attrs)...)
	}

	result := Aggregate(signals, false, limits)
	s.publishDecision(ctx, "payment", HashIdentifier(req.UserID), &result)

	span.SetAttributes(
		attribute.String("fraud.action", string(result.Action)),
		attribute.Float64("fraud.score", result.TotalScore),
	)
	return result, nil
}

// RecordPaymentAttempt appends an attempt to the user's bounded history
// ring and bumps the failed counter on failure. At-least-once; a retried
// call counts again.
func (s *Service) RecordPaymentAttempt(ctx context.Context, userID string, success bool, amount float64, paymentID string) error {
	ctx, span := tracer.Start(ctx, "fraud.RecordPaymentAttempt")
	defer span.End()

	if userID == "" {
		return errors.New("userId is required")
	}

	attempt := domain.PaymentAttempt{
		PaymentID: paymentID,
		Success:   success,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to marshal payment attempt: %w", err)
	}

	if err := s.store.ListPush(ctx, keyPayments(userID), string(data), paymentRingMax, paymentRingTTL); err != nil {
		return err
	}

	if !success {
		if _, err := s.store.Increment(ctx, keyFailedPayments(userID), failedCountTTL); err != nil {
			return err
		}
	}

	slog.Info("payment attempt recorded",
		"user_hash", truncate(HashIdentifier(userID)),
		"success", success,
	)
	return nil
}

// RecordRegistrationIP stores the IP a user registered from, enabling the
// country-mismatch check on later payments.
func (s *Service) RecordRegistrationIP(ctx context.Context, userID, ip string) error {
	return s.store.SetValue(ctx, keyRegistrationIP(userID), ip, paymentRingTTL)
}

// recentAttempts loads and decodes the user's payment ring, newest first.
// Malformed entries are dropped.
func (s *Service) recentAttempts(ctx context.Context, userID string) ([]domain.PaymentAttempt, error) {
	raw, err := s.store.ListRange(ctx, keyPayments(userID), 0, -1)
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.PaymentAttempt, 0, len(raw))
	for _, entry := range raw {
		var a domain.PaymentAttempt
		if err := json.Unmarshal([]byte(entry), &a); err != nil {
			continue
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func (s *Service) countryMismatchSignal(ctx context.Context, userID, paymentIP string) *domain.FraudSignal {
	regIP, err := s.store.GetValue(ctx, keyRegistrationIP(userID))
	if err != nil {
		s.logOmitted("registration_ip", err)
		return nil
	}
	if regIP == "" || regIP == paymentIP {
		return nil
	}

	payCountry, err := s.geoResolve(ctx, paymentIP)
	if err != nil {
		s.logOmitted("geo_lookup", err)
		return nil
	}
	regCountry, err := s.geoResolve(ctx, regIP)
	if err != nil {
		s.logOmitted("geo_lookup", err)
		return nil
	}
	if payCountry == regCountry {
		return nil
	}

	sig := domain.NewSignal(
		domain.SignalPaymentFraud,
		domain.RiskMedium,
		0.4,
		"Payment from different country than registration",
		map[string]any{"payment_country": payCountry, "reg_country": regCountry},
	)
	return &sig
}

func countSince(attempts []domain.PaymentAttempt, cutoff time.Time) int64 {
	var n int64
	for _, a := range attempts {
		if a.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func chargebackRate(attempts []domain.PaymentAttempt) float64 {
	if len(attempts) == 0 {
		return 0
	}
	chargebacks := 0
	for _, a := range attempts {
		if a.Chargeback {
			chargebacks++
		}
	}
	return float64(chargebacks) / float64(len(attempts))
}

func isHighRisk(country string, list []string) bool {
	upper := strings.ToUpper(country)
	for _, c := range list {
		if upper == c {
			return true
		}
	}
	return false
}

func isDisposableEmail(email string) bool {
	_, ok := disposableEmailDomains[emailDomain(email)]
	return ok
}

func emailDomain(email string) string {
	parts := strings.Split(strings.ToLower(email), "@")
	return parts[len(parts)-1]
}
