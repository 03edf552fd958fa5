package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		storeURL       = flag.String("url", "http://localhost:8080", "Object store URL")
		bucketName     = flag.String("bucket", "loadtest", "Bucket to write into; created if missing")
		modes          = flag.String("modes", "none,aes256,sse-c,kms", "Comma separated encryption modes to exercise")
		kmsKeyID       = flag.String("kms-key-id", "", "Key ID for kms mode; empty uses the server default")
		duration       = flag.Duration("duration", 30*time.Second, "Duration per mode")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 25, "Round trips per second per worker")
		objectSize     = flag.Int64("object-size", 64*1024, "Object size in bytes")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL  = flag.String("prometheus-url", "", "Prometheus URL for server-side metrics")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(*baselineDir, 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create baseline directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("=== SSE Object Store Load Test ===")
	fmt.Printf("URL: %s\n", *storeURL)
	fmt.Printf("Bucket: %s\n", *bucketName)
	fmt.Printf("Modes: %s\n", *modes)
	fmt.Printf("Duration per mode: %v\n", *duration)
	fmt.Printf("Workers: %d, QPS per worker: %d\n", *workers, *qps)
	fmt.Println()

	failed := false
	for _, mode := range strings.Split(*modes, ",") {
		mode = strings.TrimSpace(mode)
		if mode == "" {
			continue
		}

		cfg := Config{
			URL:        *storeURL,
			Bucket:     *bucketName,
			Mode:       mode,
			KMSKeyID:   *kmsKeyID,
			Workers:    *workers,
			Duration:   *duration,
			QPS:        *qps,
			ObjectSize: *objectSize,
		}
		baselineFile := filepath.Join(*baselineDir, "roundtrip_"+mode+"_baseline.json")
		if err := runMode(ctx, cfg, baselineFile, *threshold, *prometheusURL, *updateBaseline, logger); err != nil {
			logger.WithError(err).WithField("mode", mode).Error("Load test failed")
			failed = true
		}
		if ctx.Err() != nil {
			break
		}
	}

	if failed {
		fmt.Println("Some load tests failed or regressed")
		os.Exit(1)
	}
	fmt.Println("All load tests passed")
}

func runMode(ctx context.Context, cfg Config, baselineFile string, threshold float64,
	prometheusURL string, updateBaseline bool, logger *logrus.Logger) error {

	start := time.Now()
	results, err := Run(ctx, cfg, logger)
	if err != nil {
		return err
	}
	PrintResults(os.Stdout, results)

	if prometheusURL != "" {
		serverMetrics, err := QueryPrometheusMetrics(ctx, prometheusURL, start, time.Now())
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Server Metrics ---")
			for name, value := range serverMetrics {
				fmt.Printf("%s: %v\n", name, value)
			}
			fmt.Println()
		}
	}

	if updateBaseline {
		if err := SaveBaseline(results, baselineFile); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		fmt.Printf("Baseline updated for %s\n", results.TestName)
		return nil
	}

	regression, err := AnalyzeRegression(results, baselineFile, threshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No baseline found; run with -update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	PrintRegression(os.Stdout, regression)

	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected in %s", results.TestName)
	}
	return nil
}
