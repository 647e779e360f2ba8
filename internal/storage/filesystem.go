package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore implements ObjectStore on a local directory tree: each
// bucket is a directory under Root. Writes go to a temp file that is renamed
// into place, so readers never see a partial object.
type FilesystemStore struct {
	Root string
}

// NewFilesystemStore creates the root directory if it does not exist.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &FilesystemStore{Root: root}, nil
}

func (s *FilesystemStore) path(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("empty bucket or key: %w", ErrRejected)
	}
	rel := filepath.Clean(filepath.Join(bucket, filepath.FromSlash(key)))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("key %q escapes bucket %q: %w", key, bucket, ErrRejected)
	}
	return filepath.Join(s.Root, rel), nil
}

func (s *FilesystemStore) Put(_ context.Context, bucket, key string, data []byte) (Ack, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return Ack{}, err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ack{}, fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return Ack{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Ack{}, fmt.Errorf("writing %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return Ack{}, fmt.Errorf("closing %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return Ack{}, fmt.Errorf("committing %s: %w", p, err)
	}
	return Ack{Location: ObjectLocation(bucket, key), Bytes: int64(len(data)), Written: 1}, nil
}

func (s *FilesystemStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", ObjectLocation(bucket, key), ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (s *FilesystemStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", p, err)
}
