package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"atlas/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveStore wraps the S3-compatible bucket that holds project archives.
type ArchiveStore struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	baseURL   string
}

// NewArchiveStore builds an S3 client for the configured endpoint.
func NewArchiveStore(cfg *config.Config) (*ArchiveStore, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.ArchiveS3URL,
				SigningRegion:     cfg.ArchiveS3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.ArchiveS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.ArchiveS3Key, cfg.ArchiveS3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg)
	return &ArchiveStore{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.ArchiveS3Bucket,
		baseURL:   cfg.ArchiveS3URL,
	}, nil
}

// PresignDownload returns a time-limited GET URL for an archive object.
func (a *ArchiveStore) PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// PutArchive stores an archive and returns its public link. Used by the
// ingestion tooling that registers project metadata.
func (a *ArchiveStore) PutArchive(ctx context.Context, key string, data []byte) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", a.baseURL, a.bucket, key), nil
}
