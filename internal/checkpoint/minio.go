package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// MinIOConfig configures an S3-compatible checkpoint bucket.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// Prefix is prepended to every key inside the bucket.
	Prefix string `mapstructure:"prefix"`
}

// Validate checks that the required fields are set.
func (c MinIOConfig) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.NewValidationError("minio endpoint is required").WithField("checkpoint.minio.endpoint")
	case c.Bucket == "":
		return errors.NewValidationError("minio bucket is required").WithField("checkpoint.minio.bucket")
	case c.AccessKey == "" || c.SecretKey == "":
		return errors.NewValidationError("minio credentials are required").WithField("checkpoint.minio.access_key")
	}
	return nil
}

// MinIOBackend stores checkpoints as objects in a bucket. Single-object puts
// are atomic on S3-compatible stores, so the latest pointer needs no extra
// care.
type MinIOBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOBackend connects to the endpoint and creates the bucket when it is
// missing.
func NewMinIOBackend(ctx context.Context, cfg MinIOConfig) (*MinIOBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	b := &MinIOBackend{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
	if err := b.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MinIOBackend) ensureBucket(ctx context.Context, region string) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", b.bucket, err)
	}
	return nil
}

func (b *MinIOBackend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Put uploads data under key.
func (b *MinIOBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put checkpoint %s: %w", key, err)
	}
	return nil
}

// PutIfNotExists uploads data unless the object already exists. The check
// and the upload are not atomic; the run lock serialises writers of one run.
func (b *MinIOBackend) PutIfNotExists(ctx context.Context, key string, data []byte) error {
	_, err := b.client.StatObject(ctx, b.bucket, b.objectKey(key), minio.StatObjectOptions{})
	if err == nil {
		return fmt.Errorf("%w: %s", errors.ErrCheckpointExists, key)
	}
	if !isNoSuchKey(err) {
		return fmt.Errorf("failed to stat checkpoint %s: %w", key, err)
	}
	return b.Put(ctx, key, data)
}

// Get downloads the object stored under key.
func (b *MinIOBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrCheckpointNotFound, key)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}
	return data, nil
}

// List returns objects whose key starts with prefix.
func (b *MinIOBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	full := b.objectKey(prefix)
	for info := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", info.Err)
		}
		key := info.Key
		if b.prefix != "" {
			key = strings.TrimPrefix(key, b.prefix+"/")
		}
		objects = append(objects, Object{Key: key, Size: info.Size, ModTime: info.LastModified})
	}
	return objects, nil
}

// Close is a no-op; the minio client holds no resources that need release.
func (b *MinIOBackend) Close() error {
	return nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
