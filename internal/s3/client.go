package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/sse-object-store/internal/config"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("s3: object not found")
	// ErrPreconditionFailed is returned when a conditional write loses.
	ErrPreconditionFailed = errors.New("s3: precondition failed")
)

// Client is the S3 client used by the S3 storage backend. All calls target
// the single backing bucket the client was created for.
type Client interface {
	PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	HeadObject(ctx context.Context, key string) (bool, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string, maxKeys int) ([]string, error)
}

// PutOptions holds conditional write options.
type PutOptions struct {
	// IfNoneMatch makes the write fail with ErrPreconditionFailed when the key exists.
	IfNoneMatch bool
	ContentType string
}

// api is the subset of the SDK client the adapter calls.
type api interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client api
	bucket string
}

// NewClient creates a new S3 client for the configured backing bucket.
func NewClient(ctx context.Context, cfg config.S3BackendConfig) (Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: backing bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newClient(s3.NewFromConfig(awsCfg, s3Options...), cfg.Bucket), nil
}

func newClient(client api, bucket string) *s3Client {
	return &s3Client{client: client, bucket: bucket}
}

// PutObject uploads an object to the backing bucket.
func (c *s3Client) PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if opts.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, mapError(err))
	}
	return nil
}

// GetObject reads a whole object from the backing bucket.
func (c *s3Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, mapError(err))
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return body, nil
}

// HeadObject reports whether key exists.
func (c *s3Client) HeadObject(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = mapError(err)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return true, nil
}

// DeleteObject deletes an object. Deleting a missing key is not an error.
func (c *s3Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, mapError(err))
	}
	return nil
}

// ListObjects returns the keys under prefix, following continuation tokens
// until maxKeys keys were collected. maxKeys <= 0 lists everything.
func (c *s3Client) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	if maxKeys > 0 && maxKeys <= 1000 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, mapError(err))
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			if maxKeys > 0 && len(keys) >= maxKeys {
				return keys, nil
			}
		}
	}
	return keys, nil
}

// mapError translates SDK errors into the package sentinels.
func mapError(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
		}
	}
	return err
}
