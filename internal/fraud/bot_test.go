package fraud

import (
	"context"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fingerprint"
	"github.com/opensource-finance/kestrel/internal/store"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *store.MemoryStore) {
	t.Helper()

	s := store.NewMemoryStore()
	holder, err := domain.NewLimitsHolder(domain.DefaultLimits())
	if err != nil {
		t.Fatalf("NewLimitsHolder failed: %v", err)
	}
	svc := NewService(s, nil, fingerprint.NewIndex(s), holder, opts...)
	return svc, s
}

func TestCheckBotActivity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	browserUA := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

	t.Run("CleanBrowser", func(t *testing.T) {
		sig := svc.CheckBotActivity(ctx, BotCheckRequest{UserAgent: browserUA, IP: "1.2.3.4"})

		if sig.Score != 0 {
			t.Errorf("expected score 0, got %v", sig.Score)
		}
		if sig.RiskLevel != domain.RiskLow {
			t.Errorf("expected LOW, got %s", sig.RiskLevel)
		}
	})

	t.Run("SignatureMatch", func(t *testing.T) {
		sig := svc.CheckBotActivity(ctx, BotCheckRequest{
			UserAgent: "python-requests/2.31.0 (compatible client)",
			IP:        "1.2.3.4",
		})

		if sig.Score != 0.5 {
			t.Errorf("expected 0.5, got %v", sig.Score)
		}
		if sig.RiskLevel != domain.RiskMedium {
			t.Errorf("expected MEDIUM, got %s", sig.RiskLevel)
		}
	})

	t.Run("SignatureMatchesOnce", func(t *testing.T) {
		// Matches both "bot" and "crawl" but only the first counts.
		sig := svc.CheckBotActivity(ctx, BotCheckRequest{
			UserAgent: "superbot crawler doing the usual rounds today",
			IP:        "1.2.3.4",
		})

		if sig.Score != 0.5 {
			t.Errorf("expected single signature score 0.5, got %v", sig.Score)
		}
	})

	t.Run("ShortUserAgent", func(t *testing.T) {
		sig := svc.CheckBotActivity(ctx, BotCheckRequest{UserAgent: "Mozilla/5.0", IP: "1.2.3.4"})

		if sig.Score != 0.3 {
			t.Errorf("expected 0.3, got %v", sig.Score)
		}
	})

	t.Run("MissingUserAgent", func(t *testing.T) {
		sig := svc.CheckBotActivity(ctx, BotCheckRequest{IP: "1.2.3.4"})

		if sig.Score != 0.3 {
			t.Errorf("expected 0.3, got %v", sig.Score)
		}
	})

	t.Run("MachineTiming", func(t *testing.T) {
		// Six requests exactly half a second apart.
		samples := []float64{100.0, 100.5, 101.0, 101.5, 102.0, 102.5}

		sig := svc.CheckBotActivity(ctx, BotCheckRequest{
			UserAgent:     browserUA,
			IP:            "1.2.3.4",
			TimingSamples: samples,
		})

		if sig.Score != 0.4 {
			t.Errorf("expected timing score 0.4, got %v", sig.Score)
		}
	})

	t.Run("HumanTiming", func(t *testing.T) {
		samples := []float64{100.0, 103.2, 109.7, 111.1, 118.4, 131.0}

		sig := svc.CheckBotActivity(ctx, BotCheckRequest{
			UserAgent:     browserUA,
			IP:            "1.2.3.4",
			TimingSamples: samples,
		})

		if sig.Score != 0 {
			t.Errorf("irregular timing should not score, got %v", sig.Score)
		}
	})

	t.Run("TooFewSamplesIgnored", func(t *testing.T) {
		samples := []float64{100.0, 100.5, 101.0}

		sig := svc.CheckBotActivity(ctx, BotCheckRequest{
			UserAgent:     browserUA,
			IP:            "1.2.3.4",
			TimingSamples: samples,
		})

		if sig.Score != 0 {
			t.Errorf("timing needs more samples, got score %v", sig.Score)
		}
	})

	t.Run("ScoreCappedAtOne", func(t *testing.T) {
		samples := []float64{100.0, 100.5, 101.0, 101.5, 102.0, 102.5}

		sig := svc.CheckBotActivity(ctx, BotCheckRequest{
			UserAgent:     "curl/8.1",
			IP:            "1.2.3.4",
			TimingSamples: samples,
		})

		// 0.5 signature + 0.3 short UA + 0.4 timing, capped.
		if sig.Score != 1.0 {
			t.Errorf("expected capped 1.0, got %v", sig.Score)
		}
		if sig.RiskLevel != domain.RiskCritical {
			t.Errorf("expected CRITICAL, got %s", sig.RiskLevel)
		}
	})

	t.Run("LongUserAgentTruncatedInMetadata", func(t *testing.T) {
		sig := svc.CheckBotActivity(ctx, BotCheckRequest{
			UserAgent: browserUA + strings.Repeat(" padding", 20),
			IP:        "1.2.3.4",
		})

		ua, _ := sig.Metadata["user_agent"].(string)
		if len(ua) > 100 {
			t.Errorf("metadata user agent should be truncated, got %d chars", len(ua))
		}
	})
}
