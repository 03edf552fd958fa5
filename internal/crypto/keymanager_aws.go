package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
)

// AWSKMSOptions configures the AWS KMS key manager.
type AWSKMSOptions struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// kmsAPI is the subset of the KMS client the key manager uses.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type awsKeyManager struct {
	client kmsAPI
}

// NewAWSKeyManager creates a KeyManager backed by AWS KMS.
func NewAWSKeyManager(ctx context.Context, opts AWSKMSOptions) (KeyManager, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if opts.Endpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	kmsOpts = append(kmsOpts, func(o *kms.Options) {
		o.RetryMaxAttempts = 1
	})

	return newAWSKeyManager(kms.NewFromConfig(awsCfg, kmsOpts...)), nil
}

func newAWSKeyManager(client kmsAPI) *awsKeyManager {
	return &awsKeyManager{client: client}
}

func (a *awsKeyManager) Provider() string {
	return "aws-kms"
}

func (a *awsKeyManager) WrapKey(ctx context.Context, keyID string, dataKey []byte) ([]byte, error) {
	out, err := a.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: dataKey,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", mapKMSError(err))
	}
	return out.CiphertextBlob, nil
}

func (a *awsKeyManager) UnwrapKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	out, err := a.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", mapKMSError(err))
	}
	return out.Plaintext, nil
}

func (a *awsKeyManager) Close(ctx context.Context) error {
	return nil
}

// mapKMSError classifies AWS KMS errors into the KeyManager sentinels.
func mapKMSError(err error) error {
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, aws.ToString(notFound.Message))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFoundException":
			return fmt.Errorf("%w: %s", ErrKeyNotFound, apiErr.ErrorMessage())
		case "AccessDeniedException", "DisabledException", "IncorrectKeyException",
			"InvalidCiphertextException", "KMSInvalidStateException", "InvalidKeyUsageException":
			return fmt.Errorf("%w: %s", ErrKeyAccessDenied, apiErr.ErrorCode())
		case "KMSInternalException", "DependencyTimeoutException", "KeyUnavailableException", "ThrottlingException":
			return fmt.Errorf("%w: %s", ErrKeyServiceUnavailable, apiErr.ErrorCode())
		}
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var opErr *smithy.OperationError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrKeyServiceUnavailable, err)
	}
	return err
}
