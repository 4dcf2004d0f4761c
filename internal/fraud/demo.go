package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CheckDemoEligibility runs the layered demo-abuse evaluation.
//
// Layers, in order: VPN/proxy hard gate, account trust, phone reuse,
// device reuse (exact then fuzzy), cooldown, IP reuse, cross-correlation,
// operator rules. The VPN gate short-circuits with a forced block; every
// other layer only contributes signals to the aggregator. A store outage
// inside one layer omits that layer's signal and degrades precision
// instead of aborting the evaluation.
func (s *Service) CheckDemoEligibility(ctx context.Context, req DemoCheckRequest) (domain.FraudCheckResult, error) {
	ctx, span := tracer.Start(ctx, "fraud.CheckDemoEligibility")
	defer span.End()

	if req.AccountID == 0 || req.IP == "" {
		return domain.FraudCheckResult{}, errors.New("accountId and ip are required")
	}

	limits := s.limits.Load()
	ipHash := HashIdentifier(req.IP)
	accountKey := strconv.FormatInt(req.AccountID, 10)
	signals := make([]domain.FraudSignal, 0, 4)

	// Layer 1: VPN/proxy. Strict block for demo, no exceptions. This is
	// a hard gate, not part of weighted aggregation.
	isVPN, err := s.vpnCheck(ctx, req.IP)
	if err != nil {
		slog.Warn("vpn lookup unavailable, layer omitted", "error", err)
	} else if isVPN {
		signals = append(signals, domain.NewSignal(
			domain.SignalProxyVPN,
			domain.RiskCritical,
			0.95,
			"VPN/Proxy detected - not allowed for demo",
			map[string]any{"ip": truncate(ipHash), "blocked": true},
		))
		result := Aggregate(signals, true, limits)
		s.publishDecision(ctx, "demo", ipHash, &result)
		span.SetAttributes(attribute.String("fraud.action", string(result.Action)))
		return result, nil
	}

	// Layer 2: account trust score.
	if req.Profile != nil {
		trust := accountTrust(req.AccountID, req.Profile)
		if trust.Score < 0.5 {
			level := domain.RiskMedium
			if trust.Score < 0.3 {
				level = domain.RiskHigh
			}
			signals = append(signals, domain.NewSignal(
				domain.SignalDemoAbuse,
				level,
				1.0-trust.Score,
				trust.Reason,
				map[string]any{"factors": trust.Factors},
			))
		}
	}

	// Layer 3: phone hash, the most reliable identifier.
	if req.PhoneHash != "" {
		phoneCount, err := s.store.Count(ctx, keyDemoPhone(req.PhoneHash))
		if err != nil {
			s.logOmitted("phone_reuse", err)
		} else if phoneCount >= limits.DemoPerPhoneLimit {
			signals = append(signals, domain.NewSignal(
				domain.SignalMultipleAccounts,
				domain.RiskCritical,
				0.98,
				"Phone number already used for demo",
				map[string]any{"phone_count": phoneCount},
			))
		}
	}

	// Layer 4: device fingerprint, exact count then fuzzy similarity.
	if req.DeviceHash != "" {
		deviceCount, err := s.store.Count(ctx, keyDemoDevice(req.DeviceHash))
		switch {
		case err != nil:
			s.logOmitted("device_reuse", err)
		case deviceCount >= limits.DemoPerDeviceLimit:
			signals = append(signals, domain.NewSignal(
				domain.SignalDeviceFingerprint,
				domain.RiskCritical,
				0.95,
				"Device already used for demo",
				map[string]any{"device_count": deviceCount},
			))
		default:
			match, err := s.index.FindSimilar(ctx, req.Browser, limits.SimilarityThreshold)
			if err != nil {
				s.logOmitted("fingerprint_similarity", err)
			} else if match != nil {
				signals = append(signals, domain.NewSignal(
					domain.SignalDeviceFingerprint,
					domain.RiskHigh,
					0.85,
					fmt.Sprintf("Similar device fingerprint detected (%d%% match)", match.Similarity),
					map[string]any{
						"similarity":          match.Similarity,
						"matched_key":         match.MatchedKey,
						"matching_components": match.MatchingComponents,
					},
				))
			}
		}
	}

	// Layer 5: cooldown on the account itself.
	if sig := s.cooldownSignal(ctx, accountKey, limits); sig != nil {
		signals = append(signals, *sig)
	}

	// Layer 6: IP reuse. Least reliable identifier, weighted below
	// device and phone.
	ipCount, err := s.store.Count(ctx, keyDemoIP(ipHash))
	if err != nil {
		s.logOmitted("ip_reuse", err)
	} else if ipCount >= limits.DemoPerIPLimit {
		signals = append(signals, domain.NewSignal(
			domain.SignalDemoAbuse,
			domain.RiskMedium,
			0.6,
			fmt.Sprintf("IP %s has %d demo accounts", truncate(ipHash), ipCount),
			map[string]any{"ip_count": ipCount, "limit": limits.DemoPerIPLimit},
		))
	}

	// Layer 7: cross-correlation association sets.
	signals = append(signals, s.correlationSignals(ctx, accountKey, ipHash, req.DeviceHash, req.PhoneHash)...)

	// Operator rules contribute last.
	if s.engine != nil {
		attrs := map[string]any{
			"check":        "demo",
			"account_id":   req.AccountID,
			"ip_count":     ipCount,
			"phone_hash":   req.PhoneHash != "",
			"device_hash":  req.DeviceHash != "",
			"signal_count": len(signals),
		}
		signals = append(signals, s.engine.Evaluate(ctx, "demo", attrs)...)
	}

	result := Aggregate(signals, false, limits)
	s.publishDecision(ctx, "demo", ipHash, &result)

	span.SetAttributes(
		attribute.String("fraud.action", string(result.Action)),
		attribute.Float64("fraud.score", result.TotalScore),
		attribute.Int("fraud.signals", len(result.Signals)),
	)
	return result, nil
}

// cooldownSignal checks for a prior demo grant inside the cooldown window.
func (s *Service) cooldownSignal(ctx context.Context, accountKey string, limits *domain.LimitsConfig) *domain.FraudSignal {
	raw, err := s.store.GetValue(ctx, keyDemoAccount(accountKey))
	if err != nil {
		s.logOmitted("cooldown", err)
		return nil
	}
	if raw == "" {
		return nil
	}

	grantedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}

	daysSince := int(time.Since(grantedAt).Hours() / 24)
	if daysSince >= limits.DemoCooldownDays {
		return nil
	}

	sig := domain.NewSignal(
		domain.SignalDemoAbuse,
		domain.RiskCritical,
		0.99,
		fmt.Sprintf("Demo used %d days ago, cooldown: %d days", daysSince, limits.DemoCooldownDays),
		map[string]any{
			"days_since":     daysSince,
			"cooldown":       limits.DemoCooldownDays,
			"days_remaining": limits.DemoCooldownDays - daysSince,
		},
	)
	return &sig
}

// RegisterDemoUsage commits a granted demo to the store for future
// checks. At-least-once, non-deduplicating: calling twice increments each
// counter twice.
func (s *Service) RegisterDemoUsage(ctx context.Context, accountID int64, ip, deviceHash, phoneHash string, browser *domain.Fingerprint) error {
	ctx, span := tracer.Start(ctx, "fraud.RegisterDemoUsage")
	defer span.End()

	limits := s.limits.Load()
	ttl := time.Duration(limits.DemoCooldownDays) * 24 * time.Hour
	ipHash := HashIdentifier(ip)

	if _, err := s.store.Increment(ctx, keyDemoIP(ipHash), ttl); err != nil {
		return err
	}

	if deviceHash != "" {
		if _, err := s.store.Increment(ctx, keyDemoDevice(deviceHash), ttl); err != nil {
			return err
		}
		if browser != nil {
			if err := s.index.Record(ctx, deviceHash, browser); err != nil {
				slog.Warn("failed to record fingerprint components", "error", err)
			}
		}
	}

	if phoneHash != "" {
		if _, err := s.store.Increment(ctx, keyDemoPhone(phoneHash), ttl); err != nil {
			return err
		}
	}

	accountKey := strconv.FormatInt(accountID, 10)
	if err := s.store.SetValue(ctx, keyDemoAccount(accountKey), time.Now().UTC().Format(time.RFC3339), ttl); err != nil {
		return err
	}

	slog.Info("demo usage registered",
		"account_id", accountID,
		"ip_hash", truncate(ipHash),
	)
	return nil
}

// logOmitted records a degraded sub-check. Absence of evidence, not an
// error for the caller.
func (s *Service) logOmitted(layer string, err error) {
	slog.Warn("fraud signal omitted, store unavailable",
		"layer", layer,
		"error", err,
	)
}
