// Package objectstore is the video blob store. Uploads never pass through
// this process: clients PUT against presigned URLs, the dispatcher streams
// reads back out, and pull-based platforms get short-lived GET URLs.
package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/crossclip/crossclip/backend/internal/config"
	"github.com/crossclip/crossclip/backend/internal/faults"
)

// Store is what the service and dispatcher need from blob storage.
type Store interface {
	PresignedPutURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (int64, error)
}

// S3 implements Store on any S3-compatible endpoint (AWS or MinIO-style,
// selected by the configured endpoint URL).
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func NewS3(ctx context.Context, cfg *config.Config) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ObjectStoreRegion),
	}
	if cfg.ObjectStoreAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.ObjectStoreAccessKey, cfg.ObjectStoreSecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageUnavailable, err, "loading object store credentials failed")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStoreEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ObjectStoreEndpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.ObjectStoreBucket,
	}, nil
}

func (s *S3) PresignedPutURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	out, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", faults.Wrap(faults.KindStorageUnavailable, err, "presigning upload URL failed")
	}
	return out.URL, nil
}

func (s *S3) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	out, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", faults.Wrap(faults.KindStorageUnavailable, err, "presigning download URL failed")
	}
	return out.URL, nil
}

func (s *S3) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageUnavailable, err, "opening stored video failed")
	}
	return out.Body, nil
}

// Head returns the stored object's size, confirming the client completed its
// presigned upload.
func (s *S3) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, faults.Wrap(faults.KindStorageUnavailable, err, "stat of stored video failed")
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}
