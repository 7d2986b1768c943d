// Package blob stores uploaded turn images outside the database.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tutor/backend/internal/config"
)

type Store interface {
	Backend() string
	PutObject(ctx context.Context, objectPath, contentType string, data []byte) error
	DeleteObject(ctx context.Context, objectPath string) error
}

// Open returns the configured store, or nil when uploads are not kept.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.UploadBackend {
	case config.UploadBackendGCS:
		gcs, err := NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, err
		}
		return gcs, nil
	case config.UploadBackendLocal:
		local, err := NewLocalStore(cfg.LocalUploadDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		return nil, nil
	}
}

type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("local upload dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Backend() string {
	return "local"
}

func (s *LocalStore) PutObject(_ context.Context, objectPath, _ string, data []byte) error {
	target, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write object %q: %w", objectPath, err)
	}
	return nil
}

func (s *LocalStore) DeleteObject(_ context.Context, objectPath string) error {
	if strings.Trim(strings.TrimSpace(objectPath), "/") == "" {
		return nil
	}
	target, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object %q: %w", objectPath, err)
	}
	return nil
}

// resolve keeps object paths inside the root.
func (s *LocalStore) resolve(objectPath string) (string, error) {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return "", errors.New("object path is required")
	}
	target := filepath.Join(s.root, filepath.FromSlash(cleanPath))
	rel, err := filepath.Rel(s.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes upload dir", objectPath)
	}
	return target, nil
}
