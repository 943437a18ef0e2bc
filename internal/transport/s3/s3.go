// Package s3 provides an S3-compatible remote channel using aws-sdk-go-v2.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/transport"
)

// Config is the JSON channel config for S3 channels.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// API is the subset of the S3 client the transport calls.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Transport implements transport.Transport using S3/MinIO.
type Transport struct {
	client API
	bucket string
	prefix string
}

// New creates a new S3 channel transport from a Config.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	t := NewWithClient(client, cfg.Bucket, cfg.Prefix)
	if err := t.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}
	return t, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, bucket, prefix string) *Transport {
	return &Transport{client: client, bucket: bucket, prefix: prefix}
}

// NewFromJSON creates a Transport from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

func (t *Transport) ensureBucket(ctx context.Context) error {
	_, err := t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := t.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(t.bucket)}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", t.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", t.bucket))
	return nil
}

// Upload puts the chunk under prefix+key; the object key is the reference.
func (t *Transport) Upload(ctx context.Context, key string, data []byte) (string, error) {
	objectKey := t.prefix + key
	start := time.Now()
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", classify("upload", fmt.Errorf("put object %s: %w", objectKey, err))
	}
	logging.Debug("S3 put object",
		zap.String("key", objectKey),
		zap.Int("size", len(data)),
		zap.Duration("took", time.Since(start)))
	return objectKey, nil
}

// Download fetches the object behind ref.
func (t *Transport) Download(ctx context.Context, ref string) ([]byte, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, classify("download", fmt.Errorf("get object %s: %w", ref, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, transport.Classify("download", fmt.Errorf("read object %s: %w", ref, err))
	}
	return data, nil
}

// Delete removes the object behind ref.
func (t *Transport) Delete(ctx context.Context, ref string) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		err = classify("delete", fmt.Errorf("delete object %s: %w", ref, err))
		if errors.Is(err, transport.ErrNotFound) {
			return nil
		}
		return err
	}
	logging.Debug("S3 delete object", zap.String("key", ref))
	return nil
}

// Kind returns "s3".
func (t *Transport) Kind() string { return "s3" }

// Close is a no-op for S3 channels.
func (t *Transport) Close() error { return nil }

var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"InvalidRequest":        true,
	"InvalidArgument":       true,
	"EntityTooLarge":        true,
	"MalformedXML":          true,
}

func classify(op string, err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return transport.NewPermanent(op, fmt.Errorf("%w: %w", transport.ErrNotFound, err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "NoSuchKey" || code == "NotFound":
			return transport.NewPermanent(op, fmt.Errorf("%w: %w", transport.ErrNotFound, err))
		case permanentCodes[code]:
			return transport.NewPermanent(op, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusNotFound:
			return transport.NewPermanent(op, fmt.Errorf("%w: %w", transport.ErrNotFound, err))
		case status == http.StatusTooManyRequests || status >= 500:
			return transport.NewTransient(op, err)
		case status >= 400:
			return transport.NewPermanent(op, err)
		}
	}

	return transport.Classify(op, err)
}
