// Benchmark tool for replaying labeled signup traffic against Kestrel.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/signups.csv -url http://localhost:8080
//
// This tool:
//   1. Reads a CSV of signup events with abuse labels
//   2. Sends each event to Kestrel's demo check
//   3. Records granted demos so repeat abusers accumulate history
//   4. Compares Kestrel's verdict with the actual labels and reports
//      precision, recall, F1-score and a confusion matrix
//
// Expected CSV columns (header required, order free):
//   accountId, ip, deviceHash, phoneHash, isAbuse
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SignupEvent represents a row from the labeled dataset
type SignupEvent struct {
	AccountID  int64
	IP         string
	DeviceHash string
	PhoneHash  string
	IsAbuse    bool
}

// CheckResponse is the subset of the demo check response we score on
type CheckResponse struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"totalScore"`
	Action string  `json:"action"`
	Reason string  `json:"reason"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Abuse flagged (challenge or block)
	FalsePositives int64 // Legit signup flagged
	TrueNegatives  int64 // Legit signup allowed
	FalseNegatives int64 // Abuse allowed (missed!)

	TotalProcessed int64
	TotalAbuse     int64
	TotalLegit     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled signup CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum events to process (0 = all)")
	workers := flag.Int("workers", 10, "Concurrent workers (use 1 for strictly ordered replay)")
	record := flag.Bool("record", true, "Record granted demos so repeat abuse builds history")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/signups.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Demo Abuse Detection             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Record:      %v\n", *record)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading signup events from %s...\n", *csvPath)
	events, err := readSignupCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d events\n", len(events))

	abuseCount := 0
	for _, ev := range events {
		if ev.IsAbuse {
			abuseCount++
		}
	}
	fmt.Printf("  - Abuse: %d (%.2f%%)\n", abuseCount, 100*float64(abuseCount)/float64(len(events)))
	fmt.Printf("  - Legit: %d (%.2f%%)\n", len(events)-abuseCount, 100*float64(len(events)-abuseCount)/float64(len(events)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(events, *baseURL, *workers, *record, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readSignupCSV(path string, limit int) ([]SignupEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}
	for _, required := range []string{"accountid", "ip", "isabuse"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	col := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	var events []SignupEvent
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		accountID, err := strconv.ParseInt(col(record, "accountid"), 10, 64)
		if err != nil {
			continue
		}

		events = append(events, SignupEvent{
			AccountID:  accountID,
			IP:         col(record, "ip"),
			DeviceHash: col(record, "devicehash"),
			PhoneHash:  col(record, "phonehash"),
			IsAbuse:    col(record, "isabuse") == "1",
		})

		if limit > 0 && len(events) >= limit {
			break
		}
	}

	return events, nil
}

func runBenchmark(events []SignupEvent, baseURL string, numWorkers int, record, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan SignupEvent, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				result, err := checkSignup(client, baseURL, ev)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: account %d -> %v\n", ev.AccountID, err)
					}
					continue
				}

				if ev.IsAbuse {
					atomic.AddInt64(&metrics.TotalAbuse, 1)
				} else {
					atomic.AddInt64(&metrics.TotalLegit, 1)
				}

				// Flagged means anything but a clean allow
				predicted := result.Action != "allow"
				actual := ev.IsAbuse

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				// Granted demos enter the usage history so the next
				// event from the same phone or device gets flagged.
				if record && !predicted {
					if err := recordUsage(client, baseURL, ev); err != nil && verbose {
						fmt.Printf("WARN: failed to record usage for %d: %v\n", ev.AccountID, err)
					}
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s account %-12d | IP: %-15s | Abuse: %-5v | Kestrel: %-9s (%.2f) | %s\n",
						status,
						ev.AccountID,
						ev.IP,
						ev.IsAbuse,
						result.Action,
						result.Score,
						result.Reason,
					)
				}
			}
		}()
	}

	for _, ev := range events {
		work <- ev
	}
	close(work)

	wg.Wait()

	return metrics
}

func checkSignup(client *http.Client, baseURL string, ev SignupEvent) (*CheckResponse, error) {
	req := map[string]any{
		"accountId":  ev.AccountID,
		"ip":         ev.IP,
		"deviceHash": ev.DeviceHash,
		"phoneHash":  ev.PhoneHash,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/v1/checks/demo", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func recordUsage(client *http.Client, baseURL string, ev SignupEvent) error {
	req := map[string]any{
		"accountId":  ev.AccountID,
		"ip":         ev.IP,
		"deviceHash": ev.DeviceHash,
		"phoneHash":  ev.PhoneHash,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := client.Post(baseURL+"/v1/usage/demo", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Abuse:      %d\n", m.TotalAbuse)
	fmt.Printf("   Total Legit:      %d\n", m.TotalLegit)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                 Flagged      Allowed")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           L  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged signups, how many were actual abuse)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of abuse, how much did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalAbuse > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalAbuse) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalAbuse) * 100
		fmt.Printf("   Abuse Caught:      %d / %d (%.2f%%)\n", m.TruePositives, m.TotalAbuse, detectionRate)
		fmt.Printf("   Abuse Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalAbuse, missRate)
	}
	if m.TotalLegit > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalLegit) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalLegit, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		eps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f events/sec\n", eps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most abuse")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some abuse")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant abuse being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most abuse is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
