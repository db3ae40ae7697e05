// Package evidence stores uploaded images and documents. The returned
// paths are what stage payloads list in images_path and documents_path.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"bidline/internal/config"
)

type Kind string

const (
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

func (k Kind) Valid() bool {
	return k == KindImage || k == KindDocument
}

var ErrNotFound = errors.New("evidence not found")

type Store interface {
	Put(ctx context.Context, kind Kind, filename, contentType string, r io.Reader, size int64) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// objectKey builds "<kind>/<uuid>-<base name>".
func objectKey(kind Kind, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0:
			return -1
		case r == ' ':
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." || base == ".." {
		base = "upload"
	}
	return string(kind) + "/" + uuid.NewString() + "-" + base
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("invalid evidence key %q", key)
	}
	return key, nil
}

// Local keeps evidence under a directory.
type Local struct {
	Dir string
}

func (l Local) Put(ctx context.Context, kind Kind, filename, contentType string, r io.Reader, size int64) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown evidence kind %q", kind)
	}
	key := objectKey(kind, filename)
	dst := filepath.Join(l.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dst)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return key, nil
}

func (l Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.Dir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// FromConfig opens the configured backend. For minio the bucket is created
// when missing.
func FromConfig(ctx context.Context, cfg config.EvidenceConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(".bidline", "evidence")
		}
		return Local{Dir: dir}, nil
	case "minio":
		return NewMinIO(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported evidence backend %q", cfg.Backend)
	}
}
