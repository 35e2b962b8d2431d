package storage

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/vladmelevich/uzmat/internal/config"
)

// IS3Storage defines the interface for image storage operations.
type IS3Storage interface {
	// UploadImage stores data under a generated key and returns (publicURL, key).
	UploadImage(ctx context.Context, prefix, filename, contentType string, data []byte) (string, string, error)
	// GetObject fetches the raw object bytes for key.
	GetObject(ctx context.Context, key string) ([]byte, error)
	// PutObject overwrites key with data, keeping its public URL stable.
	PutObject(ctx context.Context, key, contentType string, data []byte) error
	// DeleteObject removes key. Deleting an absent key is not an error.
	DeleteObject(ctx context.Context, key string) error
	// GeneratePresignedPutURL creates a pre-signed upload URL and the key it targets.
	GeneratePresignedPutURL(ctx context.Context, prefix, filename, contentType string) (string, string, error)
}

// s3Storage implements IS3Storage.
type s3Storage struct {
	cfg           *config.Config
	s3Client      *s3.Client
	presignClient *s3.PresignClient
}

// NewS3Storage creates a new S3 storage service.
func NewS3Storage(cfg *config.Config) (IS3Storage, error) {
	awsCfg, err := aws_config.LoadDefaultConfig(context.TODO(),
		aws_config.WithRegion(cfg.AwsRegion),
		// Use static credentials from config for simplicity
		// For production, prefer IAM roles or other secure credential methods
		aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AwsAccessKeyID,
			cfg.AwsSecretAccessKey,
			"", // session token
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	presignClient := s3.NewPresignClient(s3Client)

	return &s3Storage{
		cfg:           cfg,
		s3Client:      s3Client,
		presignClient: presignClient,
	}, nil
}

// objectKey builds a collision-free key under prefix, preserving only the
// file's base name.
func objectKey(prefix, filename string) string {
	return fmt.Sprintf("%s/%s_%s", prefix, uuid.NewString(), path.Base(filename))
}

func (s *s3Storage) publicURL(key string) string {
	return fmt.Sprintf("%s/%s", s.cfg.ImageBaseS3URL, key)
}

// UploadImage stores an image and returns its public URL and key.
func (s *s3Storage) UploadImage(ctx context.Context, prefix, filename, contentType string, data []byte) (string, string, error) {
	key := objectKey(prefix, filename)
	if err := s.PutObject(ctx, key, contentType, data); err != nil {
		return "", "", err
	}
	return s.publicURL(key), key, nil
}

func (s *s3Storage) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.AwsS3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch S3 object %s: %w", key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *s3Storage) PutObject(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.AwsS3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload S3 object %s: %w", key, err)
	}
	return nil
}

func (s *s3Storage) DeleteObject(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.AwsS3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete S3 object %s: %w", key, err)
	}
	return nil
}

// GeneratePresignedPutURL creates a pre-signed URL for uploading an object.
// It returns the URL and the generated S3 object key.
func (s *s3Storage) GeneratePresignedPutURL(ctx context.Context, prefix, filename, contentType string) (string, string, error) {
	key := objectKey(prefix, filename)
	expiration := 15 * time.Minute

	presignParams := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.AwsS3Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}

	presignedReq, err := s.presignClient.PresignPutObject(ctx, presignParams, s3.WithPresignExpires(expiration))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate presigned PUT URL for key %s: %w", key, err)
	}

	log.Printf("Generated presigned URL for key: %s", key)
	return presignedReq.URL, key, nil
}
