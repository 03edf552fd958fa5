package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config describes one load test run against a single encryption mode.
type Config struct {
	URL        string
	Bucket     string
	Mode       string // none, aes256, sse-c, kms
	KMSKeyID   string
	Workers    int
	Duration   time.Duration
	QPS        int
	ObjectSize int64
}

// Metrics summarizes a run. Each request is one PUT followed by a GET of
// the same object.
type Metrics struct {
	Timestamp          time.Time     `json:"timestamp"`
	TestName           string        `json:"test_name"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	MismatchedBodies   int64         `json:"mismatched_bodies"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	TotalBytesReceived int64         `json:"total_bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
}

// Run drives cfg.Workers workers until cfg.Duration elapses or ctx is done.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Metrics, error) {
	if cfg.Workers <= 0 || cfg.QPS <= 0 {
		return nil, fmt.Errorf("workers and qps must be positive")
	}
	headers, err := encryptionHeaders(cfg)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	if err := ensureBucket(ctx, client, cfg); err != nil {
		return nil, err
	}

	payload := make([]byte, cfg.ObjectSize)
	if _, err := rand.Read(payload); err != nil {
		return nil, err
	}

	results := &Metrics{
		Timestamp: time.Now(),
		TestName:  "roundtrip-" + cfg.Mode,
	}
	var (
		mu        sync.Mutex
		latencies []time.Duration
	)

	interval := time.Second / time.Duration(cfg.QPS)
	if interval <= 0 {
		interval = time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}

				key := fmt.Sprintf("loadtest/%d/%s", i, uuid.NewString())
				reqStart := time.Now()
				received, err := roundTrip(gctx, client, cfg, key, headers, payload)
				latency := time.Since(reqStart)
				if gctx.Err() != nil {
					return nil
				}

				atomic.AddInt64(&results.TotalRequests, 1)
				atomic.AddInt64(&results.TotalBytesSent, int64(len(payload)))
				if err != nil {
					atomic.AddInt64(&results.FailedRequests, 1)
					if err == errBodyMismatch {
						atomic.AddInt64(&results.MismatchedBodies, 1)
					}
					logger.WithError(err).WithField("key", key).Debug("Round trip failed")
					continue
				}
				atomic.AddInt64(&results.SuccessfulRequests, 1)
				atomic.AddInt64(&results.TotalBytesReceived, received)

				mu.Lock()
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	results.Duration = time.Since(start)

	summarize(results, latencies)
	return results, nil
}

var errBodyMismatch = fmt.Errorf("body mismatch")

func roundTrip(ctx context.Context, client *http.Client, cfg Config, key string, headers http.Header, payload []byte) (int64, error) {
	objectURL := fmt.Sprintf("%s/%s/%s", cfg.URL, cfg.Bucket, key)

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, objectURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	copyHeaders(put.Header, headers)
	if err := expectStatus(client.Do(put)); err != nil {
		return 0, fmt.Errorf("put: %w", err)
	}

	get, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		return 0, err
	}
	if cfg.Mode == "sse-c" {
		copyHeaders(get.Header, headers)
	}
	resp, err := client.Do(get)
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}
	if !bytes.Equal(body, payload) {
		return int64(len(body)), errBodyMismatch
	}
	return int64(len(body)), nil
}

func ensureBucket(ctx context.Context, client *http.Client, cfg Config) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, cfg.URL+"/"+cfg.Bucket, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("create bucket: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func expectStatus(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// encryptionHeaders returns the request headers selecting cfg.Mode. sse-c
// mode uses one random customer key for the whole run.
func encryptionHeaders(cfg Config) (http.Header, error) {
	h := make(http.Header)
	switch cfg.Mode {
	case "none":
	case "aes256":
		h.Set("x-amz-server-side-encryption", "AES256")
	case "kms":
		h.Set("x-amz-server-side-encryption", "aws:kms")
		if cfg.KMSKeyID != "" {
			h.Set("x-amz-server-side-encryption-aws-kms-key-id", cfg.KMSKeyID)
		}
	case "sse-c":
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		sum := md5.Sum(key)
		h.Set("x-amz-server-side-encryption-customer-algorithm", "AES256")
		h.Set("x-amz-server-side-encryption-customer-key", base64.StdEncoding.EncodeToString(key))
		h.Set("x-amz-server-side-encryption-customer-key-md5", base64.StdEncoding.EncodeToString(sum[:]))
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	return h, nil
}

func copyHeaders(dst, src http.Header) {
	for k, v := range src {
		dst[k] = v
	}
}

func summarize(results *Metrics, latencies []time.Duration) {
	if results.Duration > 0 {
		results.Throughput = float64(results.TotalRequests) / results.Duration.Seconds()
	}
	if results.TotalRequests > 0 {
		results.ErrorRate = float64(results.FailedRequests) / float64(results.TotalRequests)
	}
	if len(latencies) == 0 {
		return
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	results.MinLatency = sorted[0]
	results.MaxLatency = sorted[len(sorted)-1]
	results.AvgLatency = averageLatency(sorted)
	results.P50Latency = percentileLatency(sorted, 0.50)
	results.P95Latency = percentileLatency(sorted, 0.95)
	results.P99Latency = percentileLatency(sorted, 0.99)
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

// percentileLatency expects sorted latencies.
func percentileLatency(sorted []time.Duration, percentile float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*percentile)]
}
