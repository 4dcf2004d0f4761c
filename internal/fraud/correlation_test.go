package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestCorrelationSignals(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstAssociationIsSilent", func(t *testing.T) {
		svc, _ := newTestService(t)

		signals := svc.correlationSignals(ctx, "100", HashIdentifier("1.1.1.1"), "dev-a", "phone-a")

		if len(signals) != 0 {
			t.Errorf("first occurrence must not signal against itself, got %+v", signals)
		}
	})

	t.Run("SameAccountRepeatIsSilent", func(t *testing.T) {
		svc, _ := newTestService(t)

		svc.correlationSignals(ctx, "100", HashIdentifier("1.1.1.1"), "dev-a", "")
		signals := svc.correlationSignals(ctx, "100", HashIdentifier("1.1.1.1"), "dev-a", "")

		if len(signals) != 0 {
			t.Errorf("known member should not signal, got %+v", signals)
		}
	})

	t.Run("DeviceSharedAcrossAccounts", func(t *testing.T) {
		svc, _ := newTestService(t)

		svc.correlationSignals(ctx, "100", HashIdentifier("1.1.1.1"), "dev-a", "")
		signals := svc.correlationSignals(ctx, "200", HashIdentifier("1.1.1.1"), "dev-a", "")

		if len(signals) != 1 {
			t.Fatalf("expected one signal, got %+v", signals)
		}
		sig := signals[0]
		if sig.Type != domain.SignalMultipleAccounts {
			t.Errorf("expected multiple_accounts, got %s", sig.Type)
		}
		if sig.RiskLevel != domain.RiskHigh || sig.Score != 0.85 {
			t.Errorf("expected HIGH 0.85, got %s %v", sig.RiskLevel, sig.Score)
		}
		if sig.Metadata["other_accounts"] != 1 {
			t.Errorf("expected other_accounts 1, got %v", sig.Metadata["other_accounts"])
		}
	})

	t.Run("PhoneAcrossDevices", func(t *testing.T) {
		svc, _ := newTestService(t)

		// Same account moving phone-a between two devices.
		svc.correlationSignals(ctx, "100", HashIdentifier("1.1.1.1"), "dev-a", "phone-a")
		signals := svc.correlationSignals(ctx, "100", HashIdentifier("1.1.1.1"), "dev-b", "phone-a")

		if len(signals) != 1 {
			t.Fatalf("expected one signal, got %+v", signals)
		}
		sig := signals[0]
		if sig.RiskLevel != domain.RiskMedium || sig.Score != 0.6 {
			t.Errorf("expected MEDIUM 0.6, got %s %v", sig.RiskLevel, sig.Score)
		}
	})

	t.Run("IPHoppingNeedsThreshold", func(t *testing.T) {
		svc, s := newTestService(t)

		// Seed five distinct IPs for the device.
		for i := 0; i < 5; i++ {
			ip := HashIdentifier(fmt.Sprintf("10.0.0.%d", i))
			if err := s.SetAdd(ctx, "device_ips:dev-a", ip, time.Hour); err != nil {
				t.Fatal(err)
			}
			if err := s.SetAdd(ctx, "device_accounts:dev-a", "100", time.Hour); err != nil {
				t.Fatal(err)
			}
		}

		signals := svc.correlationSignals(ctx, "100", HashIdentifier("10.0.0.99"), "dev-a", "")

		if len(signals) != 1 {
			t.Fatalf("expected one signal, got %+v", signals)
		}
		sig := signals[0]
		if sig.Type != domain.SignalSuspiciousIP {
			t.Errorf("expected suspicious_ip, got %s", sig.Type)
		}
		if sig.Score != 0.5 {
			t.Errorf("expected 0.5, got %v", sig.Score)
		}
	})

	t.Run("BelowHopThresholdIsSilent", func(t *testing.T) {
		svc, s := newTestService(t)

		for i := 0; i < 4; i++ {
			ip := HashIdentifier(fmt.Sprintf("10.0.0.%d", i))
			if err := s.SetAdd(ctx, "device_ips:dev-a", ip, time.Hour); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.SetAdd(ctx, "device_accounts:dev-a", "100", time.Hour); err != nil {
			t.Fatal(err)
		}

		signals := svc.correlationSignals(ctx, "100", HashIdentifier("10.0.0.99"), "dev-a", "")

		if len(signals) != 0 {
			t.Errorf("four known IPs should stay quiet, got %+v", signals)
		}
	})
}
