package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

type fileBackend struct{}

func (fileBackend) path(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return filepath.Join(u.Host, u.Path)
}

func (b fileBackend) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	f, err := os.Open(b.path(u))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

func (b fileBackend) Create(ctx context.Context, u *url.URL, r io.Reader) error {
	f, err := os.Create(b.path(u))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Close()
}
