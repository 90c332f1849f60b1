// Replay tool for testing Vigia against historical delivery data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/deliveries.csv -url http://localhost:8080
//
// This tool:
//  1. Reads a delivery history CSV (employee_id, material_id, project_id,
//     quantity, unit_cost, delivered_at)
//  2. Posts each delivery to Vigia for evaluation
//  3. Tallies the alerts raised by type and severity
//  4. Reports throughput and alert rates
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
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DeliveryRecord is a row from the replay CSV.
type DeliveryRecord struct {
	EmployeeID  string
	MaterialID  string
	ProjectID   string
	Quantity    string
	UnitCost    string
	DeliveredAt string
}

// DeliveryRequest is the Vigia API request format.
type DeliveryRequest struct {
	EmployeeID  string `json:"employeeId"`
	MaterialID  string `json:"materialId"`
	ProjectID   string `json:"projectId,omitempty"`
	Quantity    string `json:"quantity"`
	UnitCost    string `json:"unitCost,omitempty"`
	DeliveredAt string `json:"deliveredAt,omitempty"`
}

// DeliveryResponse is the Vigia API response format.
type DeliveryResponse struct {
	Alerts []struct {
		Type     string `json:"type"`
		Severity string `json:"severity"`
	} `json:"alerts"`
}

// Metrics tracks replay results.
type Metrics struct {
	TotalProcessed int64
	TotalAlerts    int64
	TotalErrors    int64

	mu         sync.Mutex
	byType     map[string]int64
	bySeverity map[string]int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to delivery history CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Vigia base URL")
	limit := flag.Int("limit", 10000, "Maximum deliveries to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each delivery result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/deliveries.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("VIGIA REPLAY - delivery history evaluation")
	fmt.Printf("\nCSV File:  %s\n", *csvPath)
	fmt.Printf("Vigia URL: %s\n", *baseURL)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Limit:     %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Vigia not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Vigia is running:")
		fmt.Println("  go run cmd/vigia/main.go")
		os.Exit(1)
	}
	fmt.Println("Vigia is healthy")

	fmt.Printf("\nReading delivery data from %s...\n", *csvPath)
	records, err := readDeliveryCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d deliveries\n", len(records))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(records, *baseURL, *workers, *verbose)
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

func readDeliveryCSV(path string, limit int) ([]DeliveryRecord, error) {
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
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"employee_id", "material_id", "quantity"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	cell := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var records []DeliveryRecord
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		records = append(records, DeliveryRecord{
			EmployeeID:  cell(record, "employee_id"),
			MaterialID:  cell(record, "material_id"),
			ProjectID:   cell(record, "project_id"),
			Quantity:    cell(record, "quantity"),
			UnitCost:    cell(record, "unit_cost"),
			DeliveredAt: cell(record, "delivered_at"),
		})
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func runReplay(records []DeliveryRecord, baseURL string, workers int, verbose bool) *Metrics {
	metrics := &Metrics{
		byType:     make(map[string]int64),
		bySeverity: make(map[string]int64),
	}

	jobs := make(chan DeliveryRecord, workers)
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 30 * time.Second}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				replayOne(client, baseURL, rec, metrics, verbose)
			}
		}()
	}

	for _, rec := range records {
		jobs <- rec
	}
	close(jobs)
	wg.Wait()

	return metrics
}

func replayOne(client *http.Client, baseURL string, rec DeliveryRecord, metrics *Metrics, verbose bool) {
	req := DeliveryRequest{
		EmployeeID:  rec.EmployeeID,
		MaterialID:  rec.MaterialID,
		ProjectID:   rec.ProjectID,
		Quantity:    rec.Quantity,
		UnitCost:    rec.UnitCost,
		DeliveredAt: rec.DeliveredAt,
	}
	body, err := json.Marshal(req)
	if err != nil {
		atomic.AddInt64(&metrics.TotalErrors, 1)
		return
	}

	resp, err := client.Post(baseURL+"/deliveries", "application/json", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&metrics.TotalErrors, 1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		atomic.AddInt64(&metrics.TotalErrors, 1)
		io.Copy(io.Discard, resp.Body)
		return
	}

	var dr DeliveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		atomic.AddInt64(&metrics.TotalErrors, 1)
		return
	}

	atomic.AddInt64(&metrics.TotalProcessed, 1)
	atomic.AddInt64(&metrics.TotalAlerts, int64(len(dr.Alerts)))

	if len(dr.Alerts) > 0 {
		metrics.mu.Lock()
		for _, a := range dr.Alerts {
			metrics.byType[a.Type]++
			metrics.bySeverity[a.Severity]++
		}
		metrics.mu.Unlock()
	}

	if verbose {
		fmt.Printf("  %s/%s qty=%s alerts=%d\n", rec.EmployeeID, rec.MaterialID, rec.Quantity, len(dr.Alerts))
	}
}

func printResults(m *Metrics, duration time.Duration) {
	processed := atomic.LoadInt64(&m.TotalProcessed)
	alerts := atomic.LoadInt64(&m.TotalAlerts)
	errors := atomic.LoadInt64(&m.TotalErrors)

	fmt.Println("\nRESULTS")
	fmt.Printf("  Processed:  %d\n", processed)
	fmt.Printf("  Errors:     %d\n", errors)
	fmt.Printf("  Alerts:     %d\n", alerts)
	if processed > 0 {
		fmt.Printf("  Alert rate: %.2f%%\n", 100*float64(alerts)/float64(processed))
	}
	fmt.Printf("  Duration:   %s\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("  Throughput: %.1f deliveries/sec\n", float64(processed)/duration.Seconds())
	}

	printBreakdown("Alerts by type", m.byType)
	printBreakdown("Alerts by severity", m.bySeverity)
}

func printBreakdown(title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("\n%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, counts[k])
	}
}
