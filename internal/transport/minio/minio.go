// Package minio provides a MinIO remote channel using minio-go.
package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/transport"
)

// Config is the JSON channel config for MinIO channels.
type Config struct {
	Endpoint  string `json:"endpoint"` // host:port, no scheme
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Transport implements transport.Transport with a MinIO client.
type Transport struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a MinIO channel transport and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	t := &Transport{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		logging.Error("minio bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
		return t, nil
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logging.Info("created MinIO bucket", zap.String("bucket", cfg.Bucket))
	}
	return t, nil
}

// NewFromJSON creates a Transport from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse minio config: %w", err)
	}
	return New(ctx, cfg)
}

// Upload stores the chunk under prefix+key; the object name is the reference.
func (t *Transport) Upload(ctx context.Context, key string, data []byte) (string, error) {
	name := t.prefix + key
	_, err := t.client.PutObject(ctx, t.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", classify("upload", fmt.Errorf("put object %s: %w", name, err))
	}
	return name, nil
}

// Download fetches the object behind ref.
func (t *Transport) Download(ctx context.Context, ref string) ([]byte, error) {
	obj, err := t.client.GetObject(ctx, t.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("download", fmt.Errorf("get object %s: %w", ref, err))
	}
	defer obj.Close()

	// GetObject is lazy; request errors surface on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("download", fmt.Errorf("read object %s: %w", ref, err))
	}
	return data, nil
}

// Delete removes the object behind ref. RemoveObject already ignores missing keys.
func (t *Transport) Delete(ctx context.Context, ref string) error {
	if err := t.client.RemoveObject(ctx, t.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return classify("delete", fmt.Errorf("remove object %s: %w", ref, err))
	}
	return nil
}

// Kind returns "minio".
func (t *Transport) Kind() string { return "minio" }

// Close is a no-op for MinIO channels.
func (t *Transport) Close() error { return nil }

func classify(op string, err error) error {
	// ToErrorResponse does not unwrap, so look through our own wrapping first.
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return transport.Classify(op, err)
	}
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject":
		return transport.NewPermanent(op, fmt.Errorf("%w: %w", transport.ErrNotFound, err))
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket",
		"InvalidArgument", "EntityTooLarge", "InvalidRequest":
		return transport.NewPermanent(op, err)
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestTimeout", "ServiceUnavailable", "InternalError":
		return transport.NewTransient(op, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transport.NewTransient(op, err)
	case resp.StatusCode >= 400:
		return transport.NewPermanent(op, err)
	}
	return transport.Classify(op, err)
}
