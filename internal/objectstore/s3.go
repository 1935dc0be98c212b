package objectstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/JonMunkholm/pqrsync/internal/config"
	"github.com/JonMunkholm/pqrsync/internal/core"
)

// NewS3Client builds an S3 client from cfg.
//
// Static credentials are used when configured, otherwise the default AWS chain.
// The SDK's own retries are disabled: every request is retried by the
// uploader's policy so attempt counts in run reports are exact.
func NewS3Client(ctx context.Context, cfg config.ObjectStoreConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, core.Fatal(fmt.Errorf("load aws config: %w", err))
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO-compatible stores reject the default trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// UploaderConfigFrom maps the object store settings onto an UploaderConfig.
func UploaderConfigFrom(cfg config.ObjectStoreConfig) UploaderConfig {
	return UploaderConfig{
		Bucket:             cfg.Bucket,
		Prefix:             cfg.Prefix,
		PartSize:           cfg.PartSize,
		MultipartThreshold: cfg.MultipartThreshold,
		RatePerSecond:      cfg.RatePerSecond,
		RateBurst:          cfg.RateBurst,
	}
}
