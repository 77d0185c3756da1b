package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/api/googleapi"
	gcsapi "google.golang.org/api/storage/v1"
)

// fileObjectStore persists attachment blobs. Metadata stays in the
// relational store; only raw bytes go through this interface.
type fileObjectStore interface {
	Backend() string
	PutObject(ctx context.Context, objectPath, contentType string, data []byte) error
	DeleteObject(ctx context.Context, objectPath string) error
}

func newFileObjectStore(ctx context.Context, bucketName, localDir string) (fileObjectStore, error) {
	if strings.TrimSpace(bucketName) != "" {
		return newGCSObjectStore(ctx, bucketName)
	}
	return newLocalObjectStore(localDir)
}

type gcsObjectStore struct {
	bucketName string
	service    *gcsapi.Service
}

func newGCSObjectStore(ctx context.Context, bucketName string) (*gcsObjectStore, error) {
	trimmedBucket := strings.TrimSpace(bucketName)
	if trimmedBucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	service, err := gcsapi.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}

	if _, err := service.Buckets.Get(trimmedBucket).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("read gcs bucket attrs: %w", err)
	}

	return &gcsObjectStore{bucketName: trimmedBucket, service: service}, nil
}

func (s *gcsObjectStore) Backend() string {
	return "gcs"
}

func (s *gcsObjectStore) PutObject(ctx context.Context, objectPath, contentType string, data []byte) error {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return errors.New("object path is required")
	}

	trimmedType := strings.TrimSpace(contentType)
	if trimmedType == "" {
		trimmedType = "application/octet-stream"
	}

	object := &gcsapi.Object{
		Name:        cleanPath,
		ContentType: trimmedType,
	}

	if _, err := s.service.Objects.Insert(s.bucketName, object).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("write gcs object %q: %w", cleanPath, err)
	}
	return nil
}

func (s *gcsObjectStore) DeleteObject(ctx context.Context, objectPath string) error {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return nil
	}

	err := s.service.Objects.Delete(s.bucketName, cleanPath).Context(ctx).Do()
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return nil
	}

	return fmt.Errorf("delete gcs object %q: %w", cleanPath, err)
}

// localObjectStore keeps blobs under a root directory. Used when no GCS
// bucket is configured, which covers local development and tests.
type localObjectStore struct {
	rootDir string
}

func newLocalObjectStore(rootDir string) (*localObjectStore, error) {
	trimmedRoot := strings.TrimSpace(rootDir)
	if trimmedRoot == "" {
		return nil, errors.New("local upload dir is required")
	}
	if err := os.MkdirAll(trimmedRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create local upload dir %q: %w", trimmedRoot, err)
	}
	return &localObjectStore{rootDir: trimmedRoot}, nil
}

func (s *localObjectStore) Backend() string {
	return "local"
}

func (s *localObjectStore) resolve(objectPath string) (string, error) {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return "", errors.New("object path is required")
	}

	fullPath := filepath.Join(s.rootDir, filepath.FromSlash(cleanPath))
	relative, err := filepath.Rel(s.rootDir, fullPath)
	if err != nil || strings.HasPrefix(relative, "..") {
		return "", fmt.Errorf("object path %q escapes upload dir", objectPath)
	}
	return fullPath, nil
}

func (s *localObjectStore) PutObject(_ context.Context, objectPath, _ string, data []byte) error {
	fullPath, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create local object dir: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return fmt.Errorf("write local object %q: %w", objectPath, err)
	}
	return nil
}

func (s *localObjectStore) DeleteObject(_ context.Context, objectPath string) error {
	fullPath, err := s.resolve(objectPath)
	if err != nil {
		return nil
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete local object %q: %w", objectPath, err)
	}
	return nil
}
