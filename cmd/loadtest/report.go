package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RegressionResult compares a run against its stored baseline.
type RegressionResult struct {
	TestName              string
	Baseline              *Metrics
	Current               *Metrics
	LatencyRegression     float64 // percent change in average latency
	ThroughputRegression  float64 // percent change in throughput
	ErrorRateRegression   float64 // percentage points
	SignificantRegression bool
	Details               []string
}

// SaveBaseline writes metrics as the baseline for later runs.
func SaveBaseline(metrics *Metrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func loadBaseline(filename string) (*Metrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AnalyzeRegression flags latency or throughput changes beyond threshold
// percent, and error rate increases beyond threshold percentage points.
// A missing baseline file is returned as an os.IsNotExist error.
func AnalyzeRegression(current *Metrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := loadBaseline(baselineFile)
	if err != nil {
		return nil, err
	}

	result := &RegressionResult{
		TestName: current.TestName,
		Baseline: baseline,
		Current:  current,
	}

	if baseline.AvgLatency > 0 {
		change := float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		result.LatencyRegression = change
		if change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Throughput > 0 {
		change := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = change
		if -change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	change := (current.ErrorRate - baseline.ErrorRate) * 100
	result.ErrorRateRegression = change
	if change > threshold {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", change))
	}

	if current.MismatchedBodies > 0 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("%d objects read back different bytes", current.MismatchedBodies))
	}

	return result, nil
}

// PrintResults writes a human readable summary of a run.
func PrintResults(w io.Writer, r *Metrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", r.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", r.Duration)
	fmt.Fprintf(w, "Total Requests: %d\n", r.TotalRequests)
	fmt.Fprintf(w, "Successful: %d\n", r.SuccessfulRequests)
	fmt.Fprintf(w, "Failed: %d\n", r.FailedRequests)
	fmt.Fprintf(w, "Mismatched Bodies: %d\n", r.MismatchedBodies)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", r.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f req/s\n", r.Throughput)
	fmt.Fprintf(w, "Latency (avg/p50/p95/p99): %v / %v / %v / %v\n", r.AvgLatency, r.P50Latency, r.P95Latency, r.P99Latency)
	fmt.Fprintf(w, "Latency (min/max): %v / %v\n", r.MinLatency, r.MaxLatency)
	fmt.Fprintf(w, "Bytes Sent/Received: %d / %d\n", r.TotalBytesSent, r.TotalBytesReceived)
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegression writes the regression analysis.
func PrintRegression(w io.Writer, r *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", r.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", r.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", r.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", r.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", r.ErrorRateRegression)
	for _, d := range r.Details {
		fmt.Fprintf(w, "- %s\n", d)
	}
	fmt.Fprintf(w, "=====================================\n\n")
}

// serverQueries are evaluated at the end of a run. Names match the series
// exported by the object store's /metrics endpoint.
var serverQueries = map[string]string{
	"http_request_p95_seconds":    `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket[%s])))`,
	"store_operation_p95_seconds": `histogram_quantile(0.95, sum by (le) (rate(store_operation_duration_seconds_bucket[%s])))`,
	"key_service_p95_seconds":     `histogram_quantile(0.95, sum by (le) (rate(key_service_call_duration_seconds_bucket[%s])))`,
	"key_service_failures":        `sum(increase(key_service_calls_total{outcome!="ok"}[%s]))`,
	"store_errors":                `sum(increase(store_operation_errors_total[%s]))`,
	"goroutines":                  `avg_over_time(goroutines_total[%s])`,
}

// QueryPrometheusMetrics reads server side metrics covering the run window.
func QueryPrometheusMetrics(ctx context.Context, prometheusURL string, start, end time.Time) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	promAPI := v1.NewAPI(client)

	window := model.Duration(max(end.Sub(start), time.Minute)).String()
	results := make(map[string]float64)
	for name, query := range serverQueries {
		value, _, err := promAPI.Query(ctx, fmt.Sprintf(query, window), end)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if vector, ok := value.(model.Vector); ok && len(vector) > 0 {
			v := float64(vector[0].Value)
			if !math.IsNaN(v) {
				results[name] = v
			}
		}
	}
	return results, nil
}
