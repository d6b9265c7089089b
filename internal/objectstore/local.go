package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/geoharmony/orchestrator/internal/logger"
)

// localStore is a filesystem-backed Store used when no object-store bucket
// is configured (local development, tests). It mirrors s3Store's shape so
// the two are interchangeable behind the Store interface.
type localStore struct {
	log    *logger.Logger
	root   string
	signer *linkSigner
}

func NewLocalStore(log *logger.Logger, root string, signer *linkSigner) (Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root %q: %w", root, err)
	}
	return &localStore{log: log.With("store", "local"), root: root, signer: signer}, nil
}

func (s *localStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	full := filepath.Join(s.root, clean)
	if !strings.HasPrefix(full, s.root) {
		return "", fmt.Errorf("object key %q escapes store root", key)
	}
	return full, nil
}

func (s *localStore) PutObject(ctx context.Context, key string, body io.Reader, contentType string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %q: %w", key, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create object %q: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("write object %q: %w", key, err)
	}
	return nil
}

func (s *localStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return f, nil
}

func (s *localStore) HeadObject(ctx context.Context, key string) (int64, error) {
	full, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, fmt.Errorf("stat object %q: %w", key, err)
	}
	return info.Size(), nil
}

func (s *localStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	base, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	walkRoot := filepath.Dir(base)
	err = filepath.Walk(walkRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, strings.TrimPrefix(prefix, "/")) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	return keys, nil
}

func (s *localStore) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		full, err := s.resolve(k)
		if err != nil {
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to delete object under reaped prefix", "key", k, "error", err)
		}
	}
	return nil
}

func (s *localStore) Sign(key string, expiry time.Duration) (string, error) {
	return s.signer.sign("local", key, expiry)
}
