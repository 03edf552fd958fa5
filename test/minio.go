package test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kenneth/sse-object-store/internal/config"
)

// MinIOTestServer is a MinIO instance backing the S3 storage backend.
type MinIOTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string

	once    sync.Once
	cleanup func()
}

var (
	minioServer *MinIOTestServer
	minioErr    error
	minioOnce   sync.Once
)

// StartMinIOServer returns a running MinIO. MINIO_ENDPOINT selects an
// existing server; otherwise a container is started with Docker. The test
// is skipped when neither is available.
func StartMinIOServer(t *testing.T) *MinIOTestServer {
	t.Helper()

	minioOnce.Do(func() {
		server := &MinIOTestServer{
			AccessKey: envOr("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: envOr("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    "sse-object-store-it",
		}

		switch {
		case os.Getenv("MINIO_ENDPOINT") != "":
			server.Endpoint = os.Getenv("MINIO_ENDPOINT")
		case hasDocker():
			if err := server.startDockerMinIO(); err != nil {
				minioErr = err
				return
			}
		default:
			minioErr = errNoMinIO
			return
		}

		if err := server.waitForMinIO(); err != nil {
			server.Stop()
			minioErr = err
			return
		}
		if err := server.createBucket(context.Background()); err != nil {
			server.Stop()
			minioErr = err
			return
		}
		minioServer = server
	})

	if errors.Is(minioErr, errNoMinIO) {
		t.Skip("MinIO not available. Set MINIO_ENDPOINT or install Docker for integration tests.")
	}
	if minioErr != nil {
		t.Fatalf("MinIO failed to start: %v", minioErr)
	}
	return minioServer
}

var errNoMinIO = errors.New("minio not available")

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hasDocker() bool {
	return exec.Command("docker", "version").Run() == nil
}

func (m *MinIOTestServer) startDockerMinIO() error {
	containerName := fmt.Sprintf("sse-object-store-minio-%d", time.Now().UnixNano())
	m.Endpoint = "http://localhost:9000"

	cmd := exec.Command("docker", "run", "--rm", "-d",
		"-p", "9000:9000",
		"-e", "MINIO_ROOT_USER="+m.AccessKey,
		"-e", "MINIO_ROOT_PASSWORD="+m.SecretKey,
		"--name", containerName,
		"minio/minio:latest",
		"server", "/data",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start MinIO container: %w: %s", err, out)
	}

	m.cleanup = func() {
		exec.Command("docker", "stop", containerName).Run()
	}
	return nil
}

func (m *MinIOTestServer) waitForMinIO() error {
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for MinIO at %s", m.Endpoint)
		case <-ticker.C:
			resp, err := http.Get(m.Endpoint + "/minio/health/live")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

// createBucket creates the backing bucket. The storage backend expects it
// to exist.
func (m *MinIOTestServer) createBucket(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, "")),
	)
	if err != nil {
		return err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(m.Endpoint)
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(m.Bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if err != nil && !errors.As(err, &owned) && !errors.As(err, &exists) {
		return fmt.Errorf("failed to create backing bucket: %w", err)
	}
	return nil
}

// Stop stops a container started by StartMinIOServer.
func (m *MinIOTestServer) Stop() {
	m.once.Do(func() {
		if m.cleanup != nil {
			m.cleanup()
		}
	})
}

// StorageConfig returns an S3 storage configuration writing under prefix.
func (m *MinIOTestServer) StorageConfig(prefix string) config.StorageConfig {
	return config.StorageConfig{
		Backend: "s3",
		S3: config.S3BackendConfig{
			Endpoint:     m.Endpoint,
			Region:       "us-east-1",
			AccessKey:    m.AccessKey,
			SecretKey:    m.SecretKey,
			Bucket:       m.Bucket,
			Prefix:       prefix,
			UsePathStyle: true,
		},
	}
}
