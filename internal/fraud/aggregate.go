package fraud

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Aggregate combines the collected signals into a single decision.
//
// The total score is the maximum signal score, never a sum: many weak
// signals must not inflate past any single genuine risk. forceBlock
// overrides the thresholds entirely (used by the VPN hard gate).
func Aggregate(signals []domain.FraudSignal, forceBlock bool, limits *domain.LimitsConfig) domain.FraudCheckResult {
	if len(signals) == 0 {
		return domain.FraudCheckResult{
			Passed:     true,
			RiskLevel:  domain.RiskLow,
			TotalScore: 0,
			Signals:    []domain.FraudSignal{},
			Action:     domain.ActionAllow,
		}
	}

	// Highest-scoring signal supplies the reason; ties break by
	// first-seen order.
	highest := signals[0]
	for _, s := range signals[1:] {
		if s.Score > highest.Score {
			highest = s
		}
	}

	if forceBlock {
		return domain.FraudCheckResult{
			Passed:     false,
			RiskLevel:  domain.RiskCritical,
			TotalScore: 1.0,
			Signals:    signals,
			Action:     domain.ActionBlock,
			Reason:     highest.Description,
		}
	}

	totalScore := highest.Score

	var riskLevel domain.RiskLevel
	var action domain.Action
	switch {
	case totalScore >= limits.BlockThreshold:
		riskLevel = domain.RiskCritical
		action = domain.ActionBlock
	case totalScore >= limits.ChallengeThreshold:
		riskLevel = domain.RiskHigh
		action = domain.ActionChallenge
	case totalScore > 0.2:
		riskLevel = domain.RiskMedium
		action = domain.ActionAllow
	default:
		riskLevel = domain.RiskLow
		action = domain.ActionAllow
	}

	result := domain.FraudCheckResult{
		Passed:     action == domain.ActionAllow,
		RiskLevel:  riskLevel,
		TotalScore: totalScore,
		Signals:    signals,
		Action:     action,
	}
	if action != domain.ActionAllow {
		result.Reason = highest.Description
	}
	return result
}
