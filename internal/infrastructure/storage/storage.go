package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"podlive/internal/core/ports"
	"podlive/pkg/config"
)

// StorageError describes a failed object operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewRecordingStore builds the backend selected by cfg.Storage.Backend.
func NewRecordingStore(cfg *config.Config, logger *zap.SugaredLogger) (ports.RecordingStore, error) {
	switch cfg.Storage.Backend {
	case "minio":
		m := cfg.Storage.MinIO
		store, err := NewMinIOStore(MinIOConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			UseSSL:          m.UseSSL,
			Bucket:          m.Bucket,
			Region:          m.Region,
			MaxRetries:      m.MaxRetries,
			RetryBackoff:    m.RetryBackoff,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Infow("using MinIO recording store", "endpoint", m.Endpoint, "bucket", m.Bucket)
		return store, nil
	default:
		store, err := NewFileStore(cfg.Storage.FileDir)
		if err != nil {
			return nil, err
		}
		logger.Infow("using file recording store", "dir", cfg.Storage.FileDir)
		return store, nil
	}
}

func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".webm":
		return "audio/webm"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}
