// Package s3client builds an S3 client and waits until the bucket is reachable.
package s3client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	defaultConnAttempts = 5
	defaultConnTimeout  = time.Second
)

type S3Client struct {
	connAttempts int
	connTimeout  time.Duration

	bucket       string
	endpoint     string
	accessKey    string
	secretKey    string
	usePathStyle bool

	logger *slog.Logger
	Client *s3.Client
}

type Option func(c *S3Client)

func ConnAttempts(attempts int) Option {
	return func(c *S3Client) {
		c.connAttempts = attempts
	}
}

func ConnTimeout(timeout time.Duration) Option {
	return func(c *S3Client) {
		c.connTimeout = timeout
	}
}

// Endpoint points the client at an S3-compatible service instead of AWS.
func Endpoint(endpoint string) Option {
	return func(c *S3Client) {
		c.endpoint = endpoint
	}
}

// StaticCredentials replaces the default credential chain.
func StaticCredentials(accessKey, secretKey string) Option {
	return func(c *S3Client) {
		c.accessKey = accessKey
		c.secretKey = secretKey
	}
}

func UsePathStyle(use bool) Option {
	return func(c *S3Client) {
		c.usePathStyle = use
	}
}

// New builds a client from cfg and checks that bucket is reachable, retrying
// up to the configured number of attempts.
func New(ctx context.Context, cfg aws.Config, bucket string, logger *slog.Logger, opts ...Option) (*S3Client, error) {
	if bucket == "" {
		return nil, errors.New("s3client: bucket must not be empty")
	}
	if logger == nil {
		return nil, errors.New("s3client: logger must not be nil")
	}

	c := &S3Client{
		connAttempts: defaultConnAttempts,
		connTimeout:  defaultConnTimeout,
		bucket:       bucket,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.connAttempts < 1 {
		c.connAttempts = 1
	}

	c.Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = c.usePathStyle
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
		if c.accessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(c.accessKey, c.secretKey, "")
		}
	})

	var err error
	for attempt := 1; attempt <= c.connAttempts; attempt++ {
		if err = c.ping(ctx); err == nil {
			return c, nil
		}
		c.logger.Warn("s3 bucket not reachable yet", "bucket", bucket, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("s3client: New: %w", ctx.Err())
		case <-time.After(c.connTimeout):
		}
	}
	return nil, fmt.Errorf("s3client: New - attempts exhausted: %w", err)
}

func (c *S3Client) ping(ctx context.Context) error {
	_, err := c.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("HeadBucket: %w", err)
	}
	return nil
}
