// Package storage reads and writes data files addressed by URL, so that
// job inputs and outputs can live on local disk, behind HTTP, or in cloud
// object stores. Schemes are served by a static backend table: file, http,
// https, s3 and swift.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Backend serves one URL scheme.
type Backend interface {
	// Open returns a reader on the object at u.
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, error)
	// Create writes the object at u from r.
	Create(ctx context.Context, u *url.URL, r io.Reader) error
}

var backends = map[string]Backend{
	"":      fileBackend{},
	"file":  fileBackend{},
	"http":  httpBackend{},
	"https": httpBackend{},
	"s3":    &s3Backend{},
	"swift": &swiftBackend{},
}

func backendFor(rawURL string) (Backend, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL '%s': %w", rawURL, err)
	}
	backend, ok := backends[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported URL scheme '%s'", u.Scheme)
	}
	return backend, u, nil
}

// Open returns a reader on the object at rawURL.
func Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	backend, u, err := backendFor(rawURL)
	if err != nil {
		return nil, err
	}
	return backend.Open(ctx, u)
}

// Create writes the object at rawURL from r.
func Create(ctx context.Context, rawURL string, r io.Reader) error {
	backend, u, err := backendFor(rawURL)
	if err != nil {
		return err
	}
	return backend.Create(ctx, u, r)
}

// Copy streams the object at srcURL into dstURL.
func Copy(ctx context.Context, dstURL, srcURL string) error {
	src, err := Open(ctx, srcURL)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := Create(ctx, dstURL, src); err != nil {
		return fmt.Errorf("failed to copy '%s' to '%s': %w", srcURL, dstURL, err)
	}
	return nil
}
