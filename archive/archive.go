// Package archive stores raw fetched feed bodies in S3-compatible object storage
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for the snapshot bucket
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Archive writes one object per import run
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive creates an archive bound to cfg.Bucket
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
	}, nil
}

// Key returns the object key for a run: feeds/<host>/<yyyy>/<mm>/<dd>/<runId>.xml
func Key(sourceURL, runID string, at time.Time) string {
	host := "unknown"
	if u, err := url.Parse(sourceURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	at = at.UTC()
	return fmt.Sprintf("feeds/%s/%04d/%02d/%02d/%s.xml", host, at.Year(), int(at.Month()), at.Day(), runID)
}

// Store uploads body under the run's key
func (a *S3Archive) Store(ctx context.Context, sourceURL, runID string, body []byte, at time.Time) (string, error) {
	key := Key(sourceURL, runID, at)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/xml"),
		Metadata: map[string]string{
			"source-url": sourceURL,
			"run-id":     runID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload feed snapshot: %w", err)
	}
	return key, nil
}
