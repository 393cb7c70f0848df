package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3 implements ObjectStore against a single S3 bucket.
type S3 struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// NewS3 creates an S3 store for bucket. If log is nil, slog.Default() is used.
func NewS3(client *s3.Client, bucket string, log *slog.Logger) *S3 {
	if log == nil {
		log = slog.Default()
	}
	return &S3{
		client: client,
		bucket: bucket,
		log:    log.With("component", "s3-store", "bucket", bucket),
	}
}

func (s *S3) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	uploadID := aws.ToString(out.UploadId)
	s.log.Debug("created multipart upload", "key", key, "upload_id", uploadID)
	return uploadID, nil
}

func (s *S3) UploadPart(ctx context.Context, key, uploadID string, number int32, body []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("upload part %d of %s: %w", number, key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
			ETag:       aws.String(p.ETag),
		}
	}
	// S3 rejects part lists that are not ascending by part number.
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload for %s: %w", key, err)
	}
	s.log.Info("completed multipart upload", "key", key, "upload_id", uploadID, "parts", len(parts))
	return aws.ToString(out.Location), nil
}

func (s *S3) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		// An upload that no longer exists is already released; treat as done.
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "NoSuchUpload" {
			s.log.Debug("abort skipped, upload already gone", "key", key, "upload_id", uploadID)
			return nil
		}
		return fmt.Errorf("abort multipart upload for %s: %w", key, err)
	}
	s.log.Info("aborted multipart upload", "key", key, "upload_id", uploadID)
	return nil
}

func (s *S3) PutObject(ctx context.Context, key string, body []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Info("put object", "key", key, "size", len(body))
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
