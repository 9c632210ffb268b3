// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package objectstore implements replication.ObjectStore against Amazon
// S3 (and S3-compatible endpoints), the concrete backend behind the
// "object" endpoint kind the Replication Engine streams into or out of.
package objectstore

import (
	"context"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/zfsapid/internal/config"
)

// Store implements replication.ObjectStore against an S3 bucket.
// Uploads stream through an io.Pipe into the SDK's multipart manager so
// the engine never has to buffer a whole send stream in memory;
// downloads stream directly off the GetObject response body.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	logger   *slog.Logger
}

// New builds a Store from cfg, resolving credentials the standard AWS
// way (environment, shared config, container/instance role) unless
// cfg.Endpoint names an S3-compatible override.
func New(ctx context.Context, cfg config.ObjectStoreConfig, logger *slog.Logger) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		logger:   logger,
	}, nil
}

// NewWithStaticCredentials builds a Store using an explicit access
// key/secret pair instead of the ambient credential chain, for
// S3-compatible backends that aren't on an AWS account.
func NewWithStaticCredentials(ctx context.Context, cfg config.ObjectStoreConfig, accessKey, secretKey string, logger *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, uploader: manager.NewUploader(client), logger: logger}, nil
}

// PutObject returns a writer that uploads everything written to it as
// bucket/key, via the SDK's multipart uploader running against the
// read end of an in-process pipe.
func (s *Store) PutObject(bucket, key string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := s.uploader.Upload(context.Background(), &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil && s.logger != nil {
			s.logger.Error("object upload failed", "bucket", bucket, "key", key, "error", err)
		}
		pr.CloseWithError(err)
		done <- err
	}()

	return &uploadWriter{pw: pw, done: done}, nil
}

// GetObject returns a reader streaming bucket/key's contents.
func (s *Store) GetObject(bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// uploadWriter adapts an io.Pipe to the WriteCloser the engine expects,
// reporting the uploader goroutine's error (if any) on Close instead of
// losing it.
type uploadWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (u *uploadWriter) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

func (u *uploadWriter) Close() error {
	if err := u.pw.Close(); err != nil {
		return err
	}
	return <-u.done
}
