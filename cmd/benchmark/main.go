// Benchmark tool for replaying labelled ticket purchases against Canomaly.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/transactions.csv -url http://localhost:8000
//
// This tool:
//  1. Reads ticket purchases with a scalper label (fraud_flag or is_scalper column)
//  2. Sends each purchase to POST /tickets/buy
//  3. Compares is_scalper in the response with the label
//  4. Calculates precision, recall, F1-score and the confusion matrix
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
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

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/opensource-finance/canomaly/internal/domain"
)

// LabelledPurchase is one CSV row: a purchase request plus its ground truth.
type LabelledPurchase struct {
	Request   domain.TicketRequest
	IsScalper bool
}

// BuyResponse is the subset of the /tickets/buy response the benchmark reads.
type BuyResponse struct {
	TransactionID string   `json:"transaction_id"`
	Prediction    string   `json:"prediction"`
	RiskScore     float64  `json:"risk_score"`
	RiskLevel     string   `json:"risk_level"`
	IsScalper     bool     `json:"is_scalper"`
	Reasons       []string `json:"reasons"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Scalper flagged
	FalsePositives int64 // Normal buyer flagged
	TrueNegatives  int64 // Normal buyer passed
	FalseNegatives int64 // Scalper passed

	TotalProcessed int64
	TotalScalper   int64
	TotalNormal    int64
	TotalErrors    int64

	ProcessingTimeMs int64

	levelsMu sync.Mutex
	Levels   map[string]int64
}

func (m *Metrics) record(predicted, actual bool, level string) {
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	m.levelsMu.Lock()
	if m.Levels == nil {
		m.Levels = make(map[string]int64)
	}
	m.Levels[level]++
	m.levelsMu.Unlock()
}

// Precision is TP / (TP + FP), or 0 with no alerts.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is TP / (TP + FN), or 0 with no scalpers.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct predictions.
func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled ticket purchase CSV")
	baseURL := flag.String("url", "http://localhost:8000", "Canomaly base URL")
	limit := flag.Int("limit", 10000, "Maximum purchases to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	scalperOnly := flag.Bool("scalper-only", false, "Only replay labelled scalper purchases")
	verbose := flag.Bool("verbose", false, "Print each purchase result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8000]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("CANOMALY BENCHMARK - scalper detection replay")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Canomaly URL: %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Printf("Scalper Only: %v\n", *scalperOnly)
	fmt.Println()

	if err := waitHealthy(context.Background(), *baseURL); err != nil {
		fmt.Printf("ERROR: Canomaly not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Canomaly is running:")
		fmt.Println("  go run ./cmd/canomaly")
		os.Exit(1)
	}
	fmt.Println("Canomaly is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	purchases, err := readPurchases(f, *limit, *scalperOnly)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(purchases) == 0 {
		fmt.Println("ERROR: no purchases in CSV")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d purchases\n", len(purchases))

	scalpers := 0
	for _, p := range purchases {
		if p.IsScalper {
			scalpers++
		}
	}
	fmt.Printf("  - Scalper: %d (%.2f%%)\n", scalpers, 100*float64(scalpers)/float64(len(purchases)))
	fmt.Printf("  - Normal:  %d (%.2f%%)\n", len(purchases)-scalpers, 100*float64(len(purchases)-scalpers)/float64(len(purchases)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(purchases, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

// waitHealthy polls /health with exponential backoff for up to 30 seconds.
func waitHealthy(ctx context.Context, baseURL string) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// readPurchases parses a header-first CSV. Columns are matched by name,
// case-insensitively; unknown columns are ignored. The label comes from
// fraud_flag, is_scalper or anomaly_label_id (2 = anomaly).
func readPurchases(r io.Reader, limit int, scalperOnly bool) ([]LabelledPurchase, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["price"]; !ok {
		return nil, errors.New("missing price column")
	}

	var purchases []LabelledPurchase
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		p := parseRow(colIndex, record)
		if scalperOnly && !p.IsScalper {
			continue
		}
		purchases = append(purchases, p)

		if limit > 0 && len(purchases) >= limit {
			break
		}
	}

	return purchases, nil
}

func parseRow(colIndex map[string]int, record []string) LabelledPurchase {
	get := func(name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	num := func(name string) float64 {
		v, _ := strconv.ParseFloat(get(name), 64)
		return v
	}
	integer := func(name string) int {
		return int(num(name))
	}
	truthy := func(name string) bool {
		switch strings.ToLower(get(name)) {
		case "1", "true", "yes", "t":
			return true
		}
		return false
	}

	req := domain.TicketRequest{
		TransactionID:     get("transaction_id"),
		UserID:            get("user_id"),
		Price:             num("price"),
		NumTickets:        integer("num_tickets"),
		TicketClassID:     integer("ticket_class_id"),
		DiscountAmount:    num("discount_amount"),
		StationFromID:     integer("station_from_id"),
		StationToID:       integer("station_to_id"),
		PaymentMethodID:   integer("payment_method_id"),
		BookingChannelID:  integer("booking_channel_id"),
		IsRefund:          domain.Flag(truthy("is_refund")),
		IsPopularRoute:    domain.Flag(truthy("is_popular_route")),
		PriceCategory:     domain.Categorical(get("price_category")),
		TicketsCategory:   domain.Categorical(get("tickets_category")),
		DeviceFingerprint: get("device_fingerprint"),
		IPAddress:         get("ip_address"),
		TransactionTime:   get("transaction_time"),
	}
	if req.NumTickets < 1 {
		req.NumTickets = 1
	}

	scalper := truthy("fraud_flag") || truthy("is_scalper") || get("anomaly_label_id") == "2"
	return LabelledPurchase{Request: req, IsScalper: scalper}
}

func runBenchmark(purchases []LabelledPurchase, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabelledPurchase, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for p := range work {
				start := time.Now()
				result, err := buy(client, baseURL, p)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", p.Request.TransactionID, err)
					}
					continue
				}

				if p.IsScalper {
					atomic.AddInt64(&metrics.TotalScalper, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNormal, 1)
				}
				metrics.record(result.IsScalper, p.IsScalper, result.RiskLevel)

				if verbose {
					status := "ok "
					if result.IsScalper != p.IsScalper {
						status = "BAD"
					}
					fmt.Printf("%s %-36s | Class: %d | Tickets: %3d | Price: %10.0f | Label: %-5v | Pred: %-7s (%5.1f %s)\n",
						status,
						result.TransactionID,
						p.Request.ClassID(),
						p.Request.NumTickets,
						p.Request.Price,
						p.IsScalper,
						result.Prediction,
						result.RiskScore,
						result.RiskLevel,
					)
				}
			}
		}()
	}

	for _, p := range purchases {
		work <- p
	}
	close(work)

	wg.Wait()

	return metrics
}

func buy(client *http.Client, baseURL string, p LabelledPurchase) (*BuyResponse, error) {
	body, err := json.Marshal(p.Request)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/tickets/buy", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.Request.TransactionID == "" {
		// Each replayed row is a distinct purchase.
		httpReq.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result BuyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Scalper:    %d\n", m.TotalScalper)
	fmt.Printf("   Total Normal:     %d\n", m.TotalNormal)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   scalper     normal")
	fmt.Printf("   Actual  S   | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           N   | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were scalpers)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of scalpers, how many were flagged)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

	if len(m.Levels) > 0 {
		fmt.Printf("\nRISK LEVELS\n")
		for _, level := range domain.RiskLevels {
			fmt.Printf("   %-9s %d\n", level, m.Levels[string(level)])
		}
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
