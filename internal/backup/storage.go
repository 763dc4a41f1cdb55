// Package backup periodically snapshots durable tables to S3-compatible
// object storage, gated by BACKUP_ENABLED.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Storage writes JSON snapshots to S3-compatible object storage. It works
// with MinIO locally and AWS S3 in production against the same API, by
// pointing Endpoint at a custom URL and forcing path-style addressing.
type Storage struct {
	client   *s3.Client
	bucket   string
	basePath string
}

// Config configures a Storage.
type Config struct {
	Endpoint        string // MinIO: "http://host:port", AWS: ""
	Region          string
	Bucket          string
	BasePath        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewStorage builds an S3-compatible client from cfg.
func NewStorage(ctx context.Context, cfg Config) (*Storage, error) {
	var awsCfg aws.Config
	var err error

	if cfg.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: true}, nil
		})
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithEndpointResolverWithOptions(customResolver),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		)
	}
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	return &Storage{client: client, bucket: cfg.Bucket, basePath: cfg.BasePath}, nil
}

func (s *Storage) fullKey(p string) string {
	if s.basePath == "" {
		return p
	}
	return path.Join(s.basePath, p)
}

// WriteJSON marshals v and uploads it to key under the configured base path.
func (s *Storage) WriteJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}
