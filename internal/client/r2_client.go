package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/genforge/api/internal/config"
)

// PayloadArchive stores raw provider callbacks for later inspection
type PayloadArchive interface {
	Archive(ctx context.Context, requestID string, body []byte) (string, error)
}

// objectPutter is the subset of the S3 API the archive needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2Client implements PayloadArchive on Cloudflare R2 through the S3 API
type R2Client struct {
	s3         objectPutter
	bucketName string
	now        func() time.Time
}

// NewR2Client creates a new R2 storage client
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return newR2Client(s3Client, cfg.BucketName), nil
}

func newR2Client(api objectPutter, bucket string) *R2Client {
	return &R2Client{s3: api, bucketName: bucket, now: time.Now}
}

// Archive writes body under webhooks/<date>/<requestID>.json and returns the key.
func (c *R2Client) Archive(ctx context.Context, requestID string, body []byte) (string, error) {
	key := archiveKey(c.now(), requestID)
	return key, c.upload(ctx, key, bytes.NewReader(body), "application/json")
}

func archiveKey(at time.Time, requestID string) string {
	return path.Join("webhooks", at.UTC().Format("2006/01/02"), requestID+".json")
}

func (c *R2Client) upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *R2Client) IsConfigured() bool {
	return c.s3 != nil && c.bucketName != ""
}
