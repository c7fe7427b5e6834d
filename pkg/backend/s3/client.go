// Package s3 provides the S3-compatible backend client used against
// MinIO and other S3-speaking object stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/quiltfs/quiltfs/pkg/backend"
	"github.com/quiltfs/quiltfs/pkg/model"
)

// Config holds configuration for one S3 backend client.
type Config struct {
	// Endpoint is the node's base URL, e.g. "http://node1:9000".
	Endpoint string

	// AccessKey / SecretKey are the node's static credentials.
	AccessKey string
	SecretKey string

	// Region is the signing region. S3-compatible stores generally
	// accept any value; default "us-east-1".
	Region string

	// HealthPath is the readiness probe path on the node. Default is
	// MinIO's "/minio/health/ready".
	HealthPath string

	// ProbeTimeout bounds the readiness probe. Default 5s.
	ProbeTimeout time.Duration
}

// Client is an S3-backed implementation of backend.Client.
type Client struct {
	s3          *s3.Client
	httpClient  *http.Client
	endpoint    string
	healthPath  string
	probeWindow time.Duration
}

// New creates an S3 backend client from config.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/minio/health/ready"
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true // required for MinIO and friends
	})

	return &Client{
		s3:          client,
		httpClient:  &http.Client{Timeout: cfg.ProbeTimeout},
		endpoint:    cfg.Endpoint,
		healthPath:  cfg.HealthPath,
		probeWindow: cfg.ProbeTimeout,
	}, nil
}

// Dialer returns a backend.Dialer that builds one S3 client per node
// from the node's stored address and credentials.
func Dialer() backend.Dialer {
	return backend.DialerFunc(func(ctx context.Context, node *model.Node) (backend.Client, error) {
		return New(ctx, Config{
			Endpoint:  "http://" + node.Address,
			AccessKey: node.AccessKey,
			SecretKey: node.SecretKey,
		})
	})
}

// PutObject stores length bytes read from r under (bucket, key).
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, length int64) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return classify(err, "put object")
	}
	return nil
}

// GetObject opens the object at (bucket, key) for reading.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err, "get object")
	}
	return out.Body, nil
}

// RemoveObject deletes the object at (bucket, key). S3 delete is
// idempotent, so a missing object is not an error.
func (c *Client) RemoveObject(ctx context.Context, bucket, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify(err, "delete object")
		if errors.Is(err, backend.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Exists reports whether the object at (bucket, key) exists.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify(err, "head object")
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	err = classify(err, "head bucket")
	if !errors.Is(err, backend.ErrNotFound) {
		return err
	}

	_, err = c.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return classify(err, "create bucket")
	}
	return nil
}

// HealthReady probes the node's readiness endpoint. Anything other than
// HTTP 200 within the probe timeout counts as unavailable.
func (c *Client) HealthReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeWindow)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+c.healthPath, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: readiness probe returned %d", backend.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// classify maps SDK errors onto the backend sentinels.
func classify(err error, op string) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%s: %w", op, backend.ErrNotFound)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, backend.ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
