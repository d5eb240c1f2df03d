package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Compile-time check that S3Sink implements Sink.
var _ Sink = (*S3Sink)(nil)

// S3Config holds the configuration for an S3-compatible sink.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints (Hetzner, MinIO, ...)
	AccessKeyID     string // Optional: static access key ID
	SecretAccessKey string // Optional: static secret access key
}

// s3API is the subset of the S3 client used by S3Sink.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Sink implements Sink on top of the AWS SDK S3 client.
// Writes buffer the whole body in memory and issue a single PutObject.
type S3Sink struct {
	client    s3API
	bucket    string
	partition Partition
}

// NewS3Sink creates a new S3Sink instance.
func NewS3Sink(cfg S3Config, partition Partition) (*S3Sink, error) {
	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
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

	return &S3Sink{
		client:    s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:    cfg.Bucket,
		partition: partition,
	}, nil
}

// Descriptor returns the sink description.
func (s *S3Sink) Descriptor() Descriptor {
	return Descriptor{Kind: KindSDK, Partition: s.partition, Root: s.bucket}
}

// Write buffers body and uploads it with a single PutObject call.
// TTL is ignored: the mirror keeps objects until they are deleted.
func (s *S3Sink) Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("s3: read body: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key, opts)),
		Metadata:      opts.Metadata,
	})
	if err != nil {
		return mapS3Error("put object", err)
	}

	return nil
}

// Read opens the object with GetObject.
func (s *S3Sink) Read(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error("get object", err)
	}

	return &Object{Body: out.Body, Metadata: out.Metadata}, nil
}

// Delete removes the object with DeleteObject.
func (s *S3Sink) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapS3Error("delete object", err)
	}
	return nil
}

// mapS3Error converts SDK errors into ErrNotFound or APIError.
func mapS3Error(op string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("s3: %s: %w", op, ErrNotFound)
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("s3: %s: %w", op, ErrNotFound)
	}

	apiErr := &APIError{Backend: "s3 " + op, Status: status, Err: err}
	var smithyErr smithy.APIError
	if errors.As(err, &smithyErr) {
		apiErr.Body = smithyErr.ErrorCode() + ": " + smithyErr.ErrorMessage()
	}
	return apiErr
}
