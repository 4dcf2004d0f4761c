package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestCheckPaymentRisk(t *testing.T) {
	ctx := context.Background()

	t.Run("RequiresUserID", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{Amount: 10}); err == nil {
			t.Error("missing userId should error")
		}
	})

	t.Run("CleanPayment", func(t *testing.T) {
		svc, _ := newTestService(t)

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{
			UserID:      "user-1",
			Amount:      29.99,
			Currency:    "USD",
			CardCountry: "DE",
			Email:       "alice@example.com",
		})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if !result.Passed || result.Action != domain.ActionAllow {
			t.Errorf("clean payment should pass, got %+v", result)
		}
	})

	t.Run("HighRiskCountry", func(t *testing.T) {
		svc, _ := newTestService(t)

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{
			UserID:      "user-1",
			Amount:      29.99,
			CardCountry: "ng", // case-insensitive
		})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if result.TotalScore != 0.5 {
			t.Errorf("expected 0.5, got %v", result.TotalScore)
		}
		if result.Action != domain.ActionChallenge {
			t.Errorf("expected challenge, got %s", result.Action)
		}
	})

	t.Run("FailedPaymentHistory", func(t *testing.T) {
		svc, s := newTestService(t)

		for i := 0; i < 3; i++ {
			if err := svc.RecordPaymentAttempt(ctx, "user-2", false, 9.99, fmt.Sprintf("pay-%d", i)); err != nil {
				t.Fatalf("RecordPaymentAttempt failed: %v", err)
			}
		}

		count, err := s.Count(ctx, "failed_payments:user-2")
		if err != nil || count != 3 {
			t.Fatalf("expected failed counter 3, got %d (err %v)", count, err)
		}

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{UserID: "user-2", Amount: 9.99})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if result.Action != domain.ActionChallenge {
			t.Errorf("three failures should challenge, got %s", result.Action)
		}
		if result.TotalScore != 0.7 {
			t.Errorf("expected 0.7, got %v", result.TotalScore)
		}
	})

	t.Run("Velocity", func(t *testing.T) {
		svc, _ := newTestService(t)

		// Four successful attempts inside the hour exceed the ceiling.
		for i := 0; i < 4; i++ {
			if err := svc.RecordPaymentAttempt(ctx, "user-3", true, 5, fmt.Sprintf("pay-%d", i)); err != nil {
				t.Fatalf("RecordPaymentAttempt failed: %v", err)
			}
		}

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{UserID: "user-3", Amount: 5})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if result.TotalScore != 0.5 {
			t.Errorf("expected velocity score 0.5, got %v", result.TotalScore)
		}
	})

	t.Run("ChargebackRate", func(t *testing.T) {
		svc, s := newTestService(t)

		// Seed the ring directly: one chargeback in ten attempts, all
		// old enough to stay out of the velocity window.
		for i := 0; i < 10; i++ {
			attempt := domain.PaymentAttempt{
				PaymentID:  fmt.Sprintf("pay-%d", i),
				Success:    true,
				Amount:     10,
				Chargeback: i == 0,
				Timestamp:  time.Now().UTC().Add(-48 * time.Hour),
			}
			data, _ := json.Marshal(attempt)
			if err := s.ListPush(ctx, "payments:user-4", string(data), 100, time.Hour); err != nil {
				t.Fatal(err)
			}
		}

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{UserID: "user-4", Amount: 10})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if result.Action != domain.ActionBlock {
			t.Errorf("10%% chargeback rate should block, got %s", result.Action)
		}
		if result.TotalScore != 0.9 {
			t.Errorf("expected 0.9, got %v", result.TotalScore)
		}
	})

	t.Run("DisposableEmail", func(t *testing.T) {
		svc, _ := newTestService(t)

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{
			UserID: "user-5",
			Amount: 10,
			Email:  "Someone@Mailinator.COM",
		})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if result.TotalScore != 0.3 {
			t.Errorf("expected 0.3, got %v", result.TotalScore)
		}
		if result.Action != domain.ActionAllow {
			t.Errorf("disposable email alone should allow, got %s", result.Action)
		}
		if result.RiskLevel != domain.RiskMedium {
			t.Errorf("expected MEDIUM, got %s", result.RiskLevel)
		}
	})

	t.Run("CountryMismatch", func(t *testing.T) {
		geo := func(ctx context.Context, ip string) (string, error) {
			if ip == "198.51.100.1" {
				return "DE", nil
			}
			return "US", nil
		}
		svc, _ := newTestService(t, WithGeoResolver(geo))

		if err := svc.RecordRegistrationIP(ctx, "user-6", "198.51.100.1"); err != nil {
			t.Fatalf("RecordRegistrationIP failed: %v", err)
		}

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{
			UserID: "user-6",
			Amount: 10,
			IP:     "203.0.113.9",
		})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if result.TotalScore != 0.4 {
			t.Errorf("expected 0.4, got %v", result.TotalScore)
		}
	})

	t.Run("SameIPNoMismatch", func(t *testing.T) {
		geo := func(ctx context.Context, ip string) (string, error) { return "DE", nil }
		svc, _ := newTestService(t, WithGeoResolver(geo))

		if err := svc.RecordRegistrationIP(ctx, "user-7", "198.51.100.1"); err != nil {
			t.Fatal(err)
		}

		result, err := svc.CheckPaymentRisk(ctx, PaymentCheckRequest{
			UserID: "user-7",
			Amount: 10,
			IP:     "198.51.100.1",
		})
		if err != nil {
			t.Fatalf("CheckPaymentRisk failed: %v", err)
		}

		if result.TotalScore != 0 {
			t.Errorf("identical IP should not signal, got %v", result.TotalScore)
		}
	})
}

func TestRecordPaymentAttempt(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)

	if err := svc.RecordPaymentAttempt(ctx, "user-9", true, 42.50, "pay-1"); err != nil {
		t.Fatalf("RecordPaymentAttempt failed: %v", err)
	}
	if err := svc.RecordPaymentAttempt(ctx, "user-9", false, 42.50, "pay-2"); err != nil {
		t.Fatalf("RecordPaymentAttempt failed: %v", err)
	}

	entries, err := s.ListRange(ctx, "payments:user-9", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ring entries, got %d", len(entries))
	}

	// Newest first.
	var newest domain.PaymentAttempt
	if err := json.Unmarshal([]byte(entries[0]), &newest); err != nil {
		t.Fatalf("ring entry should be JSON: %v", err)
	}
	if newest.PaymentID != "pay-2" || newest.Success {
		t.Errorf("unexpected newest entry: %+v", newest)
	}

	count, err := s.Count(ctx, "failed_payments:user-9")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected one failed payment, got %d", count)
	}

	t.Run("RequiresUserID", func(t *testing.T) {
		if err := svc.RecordPaymentAttempt(ctx, "", true, 1, "pay-x"); err == nil {
			t.Error("missing userId should error")
		}
	})
}
