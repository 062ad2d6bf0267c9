package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"podlive/internal/core/domain"
)

// FileStore keeps recordings as files in one directory. Content types
// are kept in a sidecar file next to each recording.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

const typeSuffix = ".type"

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Put writes r to key through a temp file so readers never see a partial
// recording.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(tmp.Name(), p); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	if contentType != "" {
		if err := os.WriteFile(p+typeSuffix, []byte(contentType), 0o644); err != nil {
			return &StorageError{Op: "put", Key: key, Err: err}
		}
	}
	return nil
}

func (s *FileStore) Open(_ context.Context, key string) (io.ReadCloser, *domain.RecordingInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, nil, domain.ErrRecordingNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, domain.ErrRecordingNotFound
		}
		return nil, nil, &StorageError{Op: "open", Key: key, Err: err}
	}
	info, err := s.infoLocked(key, p)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Latest picks the newest recording under prefix. Keys embed a UTC
// timestamp, so the lexically greatest key is the newest.
func (s *FileStore) Latest(_ context.Context, prefix string) (*domain.RecordingInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	var best string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, typeSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		if name > best {
			best = name
		}
	}
	if best == "" {
		return nil, domain.ErrRecordingNotFound
	}
	return s.infoLocked(best, filepath.Join(s.dir, best))
}

func (s *FileStore) infoLocked(key, p string) (*domain.RecordingInfo, error) {
	st, err := os.Stat(p)
	if err != nil {
		return nil, &StorageError{Op: "stat", Key: key, Err: err}
	}
	contentType := contentTypeFor(key)
	if b, err := os.ReadFile(p + typeSuffix); err == nil {
		contentType = string(b)
	}
	info := &domain.RecordingInfo{
		Key:         key,
		ContentType: contentType,
		Size:        st.Size(),
		CreatedAt:   st.ModTime(),
	}
	if i := strings.LastIndex(key, "_"); i > 0 {
		info.EpisodeID = domain.EpisodeID(key[:i])
	}
	return info, nil
}
