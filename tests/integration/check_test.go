//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel fraud
// scoring and admission-control engine.
//
// These tests verify the COMPLETE check pipeline:
//
//	Request → Signals → Aggregation → Decision → Review sink
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. CHECK: A fraud evaluation. Three kinds:
//   - demo:    should this account get a free demo/trial?
//   - payment: how risky is this payment attempt?
//   - bot:     does this client look automated?
//
// 2. SIGNAL: One detected risk factor with a score (0.0 to 1.0) and a
//    risk level (low/medium/high/critical).
//
// 3. DECISION: The total score is the MAXIMUM signal score, mapped to
//    an action:
//   - score >= 0.8 → block
//   - score >= 0.5 → challenge (step-up verification)
//   - otherwise    → allow
//
// 4. USAGE: Granted demos and payment attempts are recorded via the
//    /v1/usage endpoints; history is what makes repeat abuse visible.
//
// 5. REVIEW: Flagged decisions flow over the event bus into the review
//    repository, queryable via GET /v1/reviews.
//
// The tests run against a live server and use unique identifiers per
// run, so they can be re-run against the same instance.
package integration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// runID makes identifiers unique per test run so history from earlier
// runs never bleeds into assertions.
var runID = fmt.Sprintf("%d", time.Now().UnixNano())

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// CheckResult is what the /v1/checks endpoints return
type CheckResult struct {
	Passed     bool          `json:"passed"`
	RiskLevel  string        `json:"riskLevel"`
	TotalScore float64       `json:"totalScore"`
	Action     string        `json:"action"`
	Reason     string        `json:"reason"`
	Signals    []CheckSignal `json:"signals"`
}

type CheckSignal struct {
	Type        string         `json:"type"`
	RiskLevel   string         `json:"riskLevel"`
	Score       float64        `json:"score"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RateLimitResult is what POST /v1/ratelimit/check returns
type RateLimitResult struct {
	Allowed      bool  `json:"allowed"`
	CurrentCount int64 `json:"currentCount"`
	Limit        int64 `json:"limit"`
	RetryAfter   int64 `json:"retryAfter"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func postJSON(t *testing.T, config TestConfig, path string, req any, wantStatus int) []byte {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36")
	// Business tier keeps the test run itself clear of the per-IP limits.
	httpReq.Header.Set("X-Client-Tier", "business")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != wantStatus {
		t.Fatalf("Expected status %d, got %d: %s", wantStatus, resp.StatusCode, string(respBody))
	}

	return respBody
}

func checkDemo(t *testing.T, config TestConfig, req map[string]any) CheckResult {
	t.Helper()
	body := postJSON(t, config, "/v1/checks/demo", req, http.StatusOK)

	var result CheckResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func checkPayment(t *testing.T, config TestConfig, req map[string]any) CheckResult {
	t.Helper()
	body := postJSON(t, config, "/v1/checks/payment", req, http.StatusOK)

	var result CheckResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

// ============================================================================
// SCENARIO 1: Clean First-Time Demo Request
// ============================================================================

func TestCleanDemoRequest_Allowed(t *testing.T) {
	config := getTestConfig()

	// Explicit per-run device hash: without one the server derives a
	// hash from the request headers, which repeats across runs.
	result := checkDemo(t, config, map[string]any{
		"accountId":  time.Now().UnixNano() % 1e9,
		"ip":         "203.0.113.10",
		"deviceHash": "itest-dev-clean-" + runID,
	})

	if !result.Passed {
		t.Errorf("Clean first-time request should pass, got %+v", result)
	}
	if result.Action != "allow" {
		t.Errorf("Expected allow, got %s (%s)", result.Action, result.Reason)
	}
	if result.TotalScore != 0 {
		t.Errorf("Expected score 0, got %.2f", result.TotalScore)
	}
}

// ============================================================================
// SCENARIO 2: Repeat Demo Abuse (phone reuse)
// ============================================================================

func TestPhoneReuse_Blocked(t *testing.T) {
	config := getTestConfig()

	phone := "itest-phone-" + runID
	first := map[string]any{
		"accountId":  int64(600000001),
		"ip":         "203.0.113.20",
		"phoneHash":  phone,
		"deviceHash": "itest-dev-a-" + runID,
	}

	if result := checkDemo(t, config, first); result.Action != "allow" {
		t.Fatalf("First request should be allowed, got %+v", result)
	}

	// Grant the demo and record it
	postJSON(t, config, "/v1/usage/demo", first, http.StatusCreated)

	// A different account and device on the same phone must be blocked
	second := checkDemo(t, config, map[string]any{
		"accountId":  int64(600000002),
		"ip":         "203.0.113.21",
		"phoneHash":  phone,
		"deviceHash": "itest-dev-b-" + runID,
	})

	if second.Action != "block" {
		t.Fatalf("Phone reuse should block, got %+v", second)
	}
	if second.RiskLevel != "critical" {
		t.Errorf("Expected critical, got %s", second.RiskLevel)
	}

	found := false
	for _, sig := range second.Signals {
		if sig.Type == "multiple_accounts" {
			found = true
			if sig.Score != 0.98 {
				t.Errorf("Expected phone reuse score 0.98, got %.2f", sig.Score)
			}
		}
	}
	if !found {
		t.Errorf("Expected a multiple_accounts signal, got %+v", second.Signals)
	}
}

// ============================================================================
// SCENARIO 3: Payment Risk
// ============================================================================

func TestPaymentRisk(t *testing.T) {
	config := getTestConfig()

	t.Run("CleanPayment", func(t *testing.T) {
		result := checkPayment(t, config, map[string]any{
			"userId":      "itest-clean-" + runID,
			"amount":      29.99,
			"currency":    "USD",
			"cardCountry": "US",
		})
		if result.Action != "allow" {
			t.Errorf("Clean payment should be allowed, got %+v", result)
		}
	})

	t.Run("HighRiskCountry", func(t *testing.T) {
		result := checkPayment(t, config, map[string]any{
			"userId":      "itest-country-" + runID,
			"amount":      29.99,
			"currency":    "USD",
			"cardCountry": "NG",
		})
		if result.Action != "challenge" {
			t.Errorf("High-risk country should challenge, got %+v", result)
		}
	})

	t.Run("FailedPaymentHistory", func(t *testing.T) {
		userID := "itest-failures-" + runID

		for i := 0; i < 3; i++ {
			postJSON(t, config, "/v1/usage/payment", map[string]any{
				"userId":    userID,
				"success":   false,
				"amount":    9.99,
				"paymentId": fmt.Sprintf("itest-pay-%s-%d", runID, i),
			}, http.StatusCreated)
		}

		result := checkPayment(t, config, map[string]any{
			"userId":   userID,
			"amount":   9.99,
			"currency": "USD",
		})
		if result.Action == "allow" {
			t.Errorf("Three failed payments should raise risk, got %+v", result)
		}
	})
}

// ============================================================================
// SCENARIO 4: Bot Detection
// ============================================================================

func TestBotDetection(t *testing.T) {
	config := getTestConfig()

	body := postJSON(t, config, "/v1/checks/bot", map[string]any{
		"userAgent": "curl/8.1",
		"ip":        "203.0.113.30",
	}, http.StatusOK)

	var signal CheckSignal
	if err := json.Unmarshal(body, &signal); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	// Known automation signature plus a short user agent
	if signal.Score != 0.8 {
		t.Errorf("Expected bot score 0.8 for curl, got %.2f", signal.Score)
	}
}

// ============================================================================
// SCENARIO 5: Rate Limiting
// ============================================================================

func TestRateLimit_EndpointOverride(t *testing.T) {
	config := getTestConfig()

	identifier := "itest-rl-" + runID

	// /v1/generate is capped at 3 per minute by default
	for i := 1; i <= 3; i++ {
		body := postJSON(t, config, "/v1/ratelimit/check", map[string]any{
			"identifier": identifier,
			"tier":       "paid",
			"endpoint":   "/v1/generate",
		}, http.StatusOK)

		var result RateLimitResult
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("Call %d should be allowed, got %+v", i, result)
		}
	}

	body := postJSON(t, config, "/v1/ratelimit/check", map[string]any{
		"identifier": identifier,
		"tier":       "paid",
		"endpoint":   "/v1/generate",
	}, http.StatusOK)

	var result RateLimitResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result.Allowed {
		t.Fatalf("Call 4 should be denied, got %+v", result)
	}
	if result.RetryAfter != 60 {
		t.Errorf("Endpoint denial should advise a 60s retry, got %d", result.RetryAfter)
	}
}

// ============================================================================
// SCENARIO 6: Flagged Decisions Reach the Review Sink
// ============================================================================

func TestFlaggedDecision_Reviewable(t *testing.T) {
	config := getTestConfig()

	userID := "itest-review-" + runID
	result := checkPayment(t, config, map[string]any{
		"userId":      userID,
		"amount":      499.00,
		"currency":    "USD",
		"cardCountry": "NG",
	})
	if result.Action != "challenge" {
		t.Fatalf("Expected a flagged decision, got %+v", result)
	}

	// Review records carry the hashed identifier, never the raw one.
	sum := sha256.Sum256([]byte(userID))
	wantIdentifier := hex.EncodeToString(sum[:])

	// The review sink is async; poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		listReq, err := http.NewRequest("GET", config.BaseURL+"/v1/reviews?limit=200", nil)
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}
		listReq.Header.Set("X-Client-Tier", "business")
		resp, err := http.DefaultClient.Do(listReq)
		if err != nil {
			t.Fatalf("Failed to list reviews: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		var list struct {
			Reviews []struct {
				Identifier string `json:"identifier"`
				CheckType  string `json:"checkType"`
			} `json:"reviews"`
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			t.Fatalf("Failed to unmarshal reviews: %v (body: %s)", err, string(raw))
		}

		for _, rec := range list.Reviews {
			if rec.CheckType == "payment" && rec.Identifier == wantIdentifier {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	t.Fatal("Flagged payment decision never reached the review repository")
}
