package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"feedagent/internal/config"
	"feedagent/internal/models"
)

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads digests to a bucket. Endpoint overrides such as
// Cloudflare R2 or MinIO use path-style addressing.
type S3Archiver struct {
	client putter
	bucket string
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

func NewS3(ctx context.Context, cfg config.S3Config, logger zerolog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 archive: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3(client putter, bucket, prefix string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "archive").Logger(),
		now:    time.Now,
	}
}

// Deliver uploads the digest and returns its s3:// URI.
func (a *S3Archiver) Deliver(ctx context.Context, d models.DailyDigest, stats models.DigestStats) (string, error) {
	data, err := encode(d, stats, a.now())
	if err != nil {
		return "", err
	}
	key := path.Join(a.prefix, ObjectName(d))

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading digest to s3://%s/%s: %w", a.bucket, key, err)
	}

	uri := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.logger.Info().Str("uri", uri).Int("bytes", len(data)).Msg("Digest uploaded")
	return uri, nil
}
