package fraud

import (
	"context"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// botSignatures are substrings of user agents belonging to automation
// tools. Only the first match counts toward the score.
var botSignatures = []string{
	"bot", "spider", "crawl", "scrape", "curl", "wget",
	"python-requests", "postman", "insomnia",
}

const (
	minUserAgentLen = 20

	// Timing analysis: sub-second mean delta with near-zero variance
	// across enough samples reads as automation.
	timingMinSamples  = 5
	timingMaxVariance = 0.01
	timingMaxMeanSecs = 1.0
)

// CheckBotActivity scores a single client for automated traffic. Unlike
// the multi-signal checks it returns one accumulated signal; scores from
// the individual heuristics add up and cap at 1.0.
func (s *Service) CheckBotActivity(ctx context.Context, req BotCheckRequest) domain.FraudSignal {
	ctx, span := tracer.Start(ctx, "fraud.CheckBotActivity")
	defer span.End()
	_ = ctx

	score := 0.0
	var reasons []string

	uaLower := strings.ToLower(req.UserAgent)
	for _, sig := range botSignatures {
		if strings.Contains(uaLower, sig) {
			score += 0.5
			reasons = append(reasons, "Bot signature in UA: "+sig)
			break
		}
	}

	if req.UserAgent == "" || len(req.UserAgent) < minUserAgentLen {
		score += 0.3
		reasons = append(reasons, "Missing or short user agent")
	}

	if len(req.TimingSamples) > timingMinSamples {
		if suspiciousTiming(req.TimingSamples) {
			score += 0.4
			reasons = append(reasons, "Suspicious request timing pattern")
		}
	}

	if score > 1.0 {
		score = 1.0
	}

	var level domain.RiskLevel
	switch {
	case score > 0.8:
		level = domain.RiskCritical
	case score > 0.6:
		level = domain.RiskHigh
	case score > 0.3:
		level = domain.RiskMedium
	default:
		level = domain.RiskLow
	}

	description := "No bot activity detected"
	if len(reasons) > 0 {
		description = strings.Join(reasons, "; ")
	}

	ua := req.UserAgent
	if len(ua) > 100 {
		ua = ua[:100]
	}

	return domain.NewSignal(
		domain.SignalBotActivity,
		level,
		score,
		description,
		map[string]any{"user_agent": ua, "checks": reasons},
	)
}

// suspiciousTiming reports whether inter-request deltas are both fast and
// unnaturally regular.
func suspiciousTiming(samples []float64) bool {
	if len(samples) < 2 {
		return false
	}

	deltas := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		deltas = append(deltas, samples[i]-samples[i-1])
	}

	mean := 0.0
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))

	variance := 0.0
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas))

	return variance < timingMaxVariance && mean < timingMaxMeanSecs
}
