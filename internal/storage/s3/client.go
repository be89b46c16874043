package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"
)

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// blobUploader sends whole blobs through an accelerated path.
type blobUploader interface {
	upload(ctx context.Context, key string, data []byte) error
}

// newClient loads the AWS configuration and builds the S3 client.
func newClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}

	// Retries happen in the store, where they are visible to the breaker.
	opts = append(opts, config.WithRetryMaxAttempts(1))

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// cargoUploader adapts the CargoShip transporter to blobUploader.
type cargoUploader struct {
	transporter *cargoships3.Transporter
	logger      *zap.Logger
}

func newCargoUploader(client *s3.Client, cfg *Config, logger *zap.Logger) *cargoUploader {
	cargoConfig := awsconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       awsconfig.StorageClassStandard,
		MultipartThreshold: cfg.MultipartThreshold,
		MultipartChunkSize: cfg.MultipartChunkSize,
		Concurrency:        cfg.Concurrency,
	}
	logger.Info("accelerated uploads enabled",
		zap.Int64("multipart_threshold", cfg.MultipartThreshold),
		zap.Int64("chunk_size", cfg.MultipartChunkSize),
		zap.Int("concurrency", cfg.Concurrency))
	return &cargoUploader{
		transporter: cargoships3.NewTransporter(client, cargoConfig),
		logger:      logger,
	}
}

func (u *cargoUploader) upload(ctx context.Context, key string, data []byte) error {
	result, err := u.transporter.Upload(ctx, cargoships3.Archive{
		Key:          key,
		Reader:       bytes.NewReader(data),
		Size:         int64(len(data)),
		StorageClass: awsconfig.StorageClassStandard,
		Metadata: map[string]string{
			"boxfs-upload": "true",
		},
	})
	if err != nil {
		return err
	}
	u.logger.Debug("accelerated upload completed",
		zap.String("key", key),
		zap.Int("size", len(data)),
		zap.Duration("duration", result.Duration))
	return nil
}
