package storage

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/pkg/tracing"
)

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	ConnectTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// MinIOStore keeps recordings in a MinIO (or S3 compatible) bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	config MinIOConfig
	logger *zap.SugaredLogger

	uploads      atomic.Uint64
	uploadBytes  atomic.Uint64
	uploadErrors atomic.Uint64
}

func NewMinIOStore(config MinIOConfig, logger *zap.SugaredLogger) (*MinIOStore, error) {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{client: client, bucket: config.Bucket, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Infow("created MinIO bucket", "bucket", config.Bucket)
	}
	return store, nil
}

func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// Put uploads r. Seekable readers are rewound and retried with
// exponential backoff; others get one attempt.
func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracing.TraceStorage(ctx, "put", "minio")
	defer span.End()

	if contentType == "" {
		contentType = contentTypeFor(key)
	}
	opts := minio.PutObjectOptions{ContentType: contentType}

	attempt := 0
	op := func() error {
		attempt++
		if rs, ok := r.(io.ReadSeeker); ok {
			if attempt > 1 {
				if _, err := rs.Seek(0, io.SeekStart); err != nil {
					return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
				}
			}
		} else if attempt > 1 {
			return backoff.Permanent(fmt.Errorf("reader not seekable; not retrying"))
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts)
		if err != nil {
			s.uploadErrors.Add(1)
			s.logger.Warnw("recording upload attempt failed", "key", key, "attempt", attempt, "error", err)
			return err
		}
		s.uploads.Add(1)
		s.uploadBytes.Add(uint64(info.Size))
		s.logger.Debugw("recording uploaded", "key", key, "size", info.Size, "etag", info.ETag)
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		tracing.RecordError(ctx, err)
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *MinIOStore) Open(ctx context.Context, key string) (io.ReadCloser, *domain.RecordingInfo, error) {
	ctx, span := tracing.TraceStorage(ctx, "open", "minio")
	defer span.End()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, &StorageError{Op: "open", Key: key, Err: err}
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, nil, domain.ErrRecordingNotFound
		}
		return nil, nil, &StorageError{Op: "open", Key: key, Err: err}
	}
	return obj, objectInfo(stat), nil
}

func (s *MinIOStore) Latest(ctx context.Context, prefix string) (*domain.RecordingInfo, error) {
	ctx, span := tracing.TraceStorage(ctx, "list", "minio")
	defer span.End()

	var best *minio.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, &StorageError{Op: "list", Err: obj.Err}
		}
		obj := obj
		if best == nil || obj.Key > best.Key {
			best = &obj
		}
	}
	if best == nil {
		return nil, domain.ErrRecordingNotFound
	}
	// listings carry no content type
	stat, err := s.client.StatObject(ctx, s.bucket, best.Key, minio.StatObjectOptions{})
	if err != nil {
		return nil, &StorageError{Op: "stat", Key: best.Key, Err: err}
	}
	return objectInfo(stat), nil
}

// HealthCheck verifies the bucket is reachable.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

func (s *MinIOStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"uploads":       s.uploads.Load(),
		"upload_bytes":  s.uploadBytes.Load(),
		"upload_errors": s.uploadErrors.Load(),
	}
}

func objectInfo(stat minio.ObjectInfo) *domain.RecordingInfo {
	info := &domain.RecordingInfo{
		Key:         stat.Key,
		ContentType: stat.ContentType,
		Size:        stat.Size,
		CreatedAt:   stat.LastModified,
	}
	for i := len(stat.Key) - 1; i > 0; i-- {
		if stat.Key[i] == '_' {
			info.EpisodeID = domain.EpisodeID(stat.Key[:i])
			break
		}
	}
	return info
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
