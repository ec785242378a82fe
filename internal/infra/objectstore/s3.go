// Package objectstore implements the object store gateway (C1) against any
// S3-compatible endpoint (MinIO, R2, AWS S3 itself) via aws-sdk-go-v2,
// grounded on the shape of the original MinIO client wrapper: put/head/
// get_stream/delete/list_prefix plus usage/quota queries.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
)

// Config carries the connection settings for one bucket.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	QuotaBytes      int64 // 0 means unknown/unbounded
}

// Client is the ObjectStore implementation backed by *s3.Client.
type Client struct {
	s3       *s3.Client
	uploader *manager.Uploader
	bucket   string
	quota    int64
}

var _ domain.ObjectStore = (*Client)(nil)

// New builds a Client against cfg.Endpoint using static credentials, the
// way a private self-hosted bucket (MinIO, etc.) is normally configured.
func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	uploader := manager.NewUploader(client)

	return &Client{s3: client, uploader: uploader, bucket: cfg.Bucket, quota: cfg.QuotaBytes}, nil
}

// Put uploads body under key with a private ACL and the given content type.
// It goes through the multipart manager rather than a single PutObject call
// since media files in this domain routinely run into the gigabytes, well
// past what's safe to push as one unbuffered HTTP request; the manager
// splits body into parts and streams each without holding the whole payload
// in memory.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	start := time.Now()
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		ACL:         "private",
	})
	metrics.ObserveNetworkRequest("objectstore", "put", c.bucket, start, err)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Head returns size/content-type/etag for key.
func (c *Client) Head(ctx context.Context, key string) (domain.ObjectInfo, error) {
	start := time.Now()
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	metrics.ObserveNetworkRequest("objectstore", "head", c.bucket, start, err)
	if err != nil {
		return domain.ObjectInfo{}, classify(err)
	}
	info := domain.ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.SizeBytes = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		info.ETag = *out.ETag
	}
	return info, nil
}

// GetStream opens a streaming reader over key's contents; the caller must
// Close it.
func (c *Client) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	metrics.ObserveNetworkRequest("objectstore", "get", c.bucket, start, err)
	if err != nil {
		return nil, classify(err)
	}
	return out.Body, nil
}

// Delete removes key; used only for best-effort cleanup of orphaned uploads
// on a dedup conflict (§4.5 failure policy).
func (c *Client) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	metrics.ObserveNetworkRequest("objectstore", "delete", c.bucket, start, err)
	if err != nil {
		return classify(err)
	}
	return nil
}

// ListPrefix lists every key under prefix, paginating transparently.
func (c *Client) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		start := time.Now()
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		metrics.ObserveNetworkRequest("objectstore", "list", c.bucket, start, err)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// BucketUsageBytes sums every object's size in the bucket. This is the same
// "list everything, sum sizes" strategy the original quota manager used;
// callers are expected to cache the result (see quota.Gate).
func (c *Client) BucketUsageBytes(ctx context.Context) (int64, error) {
	var total int64
	var token *string
	for {
		start := time.Now()
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			ContinuationToken: token,
		})
		metrics.ObserveNetworkRequest("objectstore", "list_usage", c.bucket, start, err)
		if err != nil {
			return 0, classify(err)
		}
		for _, obj := range out.Contents {
			if obj.Size != nil {
				total += *obj.Size
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return total, nil
}

// BucketQuotaBytes returns the configured quota, or (0, false) if unknown.
func (c *Client) BucketQuotaBytes(ctx context.Context) (int64, bool) {
	if c.quota <= 0 {
		return 0, false
	}
	return c.quota, true
}

// UsedRatio returns usage/quota capped at 1.0, or (0, false) if the quota is
// unknown (mirrors the original quota manager's min(1.0, used/quota)).
func (c *Client) UsedRatio(ctx context.Context) (float64, bool) {
	quota, ok := c.BucketQuotaBytes(ctx)
	if !ok {
		return 0, false
	}
	used, err := c.BucketUsageBytes(ctx)
	if err != nil {
		return 0, false
	}
	ratio := float64(used) / float64(quota)
	if ratio > 1.0 {
		ratio = 1.0
	}
	return ratio, true
}

// classify maps an SDK error into a transient/permanent IngestError per
// §4.1: network/5xx/timeout is transient, other 4xx is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
			return domain.NewIngestError(domain.ErrUploadTransient, err)
		}
		return domain.NewIngestError(domain.ErrUploadPermanent, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if strings.Contains(strings.ToLower(apiErr.ErrorCode()), "throttl") {
			return domain.NewIngestError(domain.ErrUploadTransient, err)
		}
		return domain.NewIngestError(domain.ErrUploadPermanent, err)
	}
	return domain.NewIngestError(domain.ErrUploadTransient, err)
}
