// Package storage archives sent digests in an S3-compatible bucket.
//
// Each digest issue is stored once under
//
//	digests/<list>/v<volume>/i<issue>-<uuid>.eml
//
// With encryption enabled the object is sealed client-side with
// AES-256-GCM and the random nonce is prepended to the ciphertext.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/metrics"
)

// Archive is a digest archive bucket.
type Archive struct {
	client *minio.Client
	bucket string
	seal   *sealer // nil stores plaintext
}

// Object is one archived digest.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// NewFromConfig connects to the [s3] bucket and enables encryption when
// requested.
func NewFromConfig(cfg *config.S3Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	a := &Archive{client: client, bucket: cfg.Bucket}
	if cfg.Encrypt {
		if a.seal, err = newSealer(cfg.EncryptionKey); err != nil {
			return nil, err
		}
		logger.Info("Storage: client-side encryption enabled", "bucket", cfg.Bucket)
	}
	return a, nil
}

// ArchiveKey returns a fresh object key for one digest issue.
func ArchiveKey(list string, volume, issue int) string {
	return fmt.Sprintf("%si%d-%s.eml", ArchivePrefix(list, volume), issue, uuid.NewString())
}

// ArchivePrefix returns the key prefix of a list's digests, narrowed to
// one volume when volume is positive.
func ArchivePrefix(list string, volume int) string {
	if volume > 0 {
		return fmt.Sprintf("digests/%s/v%d/", list, volume)
	}
	return "digests/" + list + "/"
}

// Ping checks that the bucket is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	ok, err := a.client.BucketExists(ctx, a.bucket)
	switch {
	case err != nil:
		return fmt.Errorf("failed to reach bucket %s: %w", a.bucket, err)
	case !ok:
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

// observe records one bucket operation.
func observe(op string, start time.Time, err error) {
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.S3OperationsTotal.WithLabelValues(op, outcome(err)).Inc()
}

// Put stores data under key.
func (a *Archive) Put(ctx context.Context, key string, data []byte) (err error) {
	if a.seal != nil {
		if data, err = a.seal.seal(data); err != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt digest: %w", err)
		}
	}

	start := time.Now()
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "message/rfc822", SendContentMd5: true})
	observe("PUT", start, err)
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Get returns the digest stored under key.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := a.read(ctx, key)
	observe("GET", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	if a.seal == nil {
		return data, nil
	}
	plain, err := a.seal.open(data)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "decryption_error").Inc()
		return nil, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return plain, nil
}

func (a *Archive) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// List yields the archived digests under prefix. Iteration stops after the
// first error.
func (a *Archive) List(ctx context.Context, prefix string) iter.Seq2[Object, error] {
	return func(yield func(Object, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if info.Err != nil {
				yield(Object{}, info.Err)
				return
			}
			if !yield(Object{Key: info.Key, Size: info.Size, LastModified: info.LastModified}, nil) {
				return
			}
		}
	}
}

// outcome is the metrics label for an operation's error.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return "network_error"
	}
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied":
		return "access_denied"
	case "NoSuchKey", "NoSuchBucket":
		return "not_found"
	case "SlowDown", "RequestLimitExceeded":
		return "throttled"
	}
	return "error"
}
