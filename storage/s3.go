package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Backend serves "s3://bucket/key" URLs using the default AWS credential
// chain. The client is created lazily on first use.
type s3Backend struct {
	once   sync.Once
	client *s3.Client
	err    error
}

func (b *s3Backend) init(ctx context.Context) (*s3.Client, error) {
	b.once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			b.err = fmt.Errorf("failed to load AWS configuration: %w", err)
			return
		}
		b.client = s3.NewFromConfig(cfg)
	})
	return b.client, b.err
}

func (b *s3Backend) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	client, err := b.init(ctx)
	if err != nil {
		return nil, err
	}

	output, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s': %w", u, err)
	}
	return output.Body, nil
}

func (b *s3Backend) Create(ctx context.Context, u *url.URL, r io.Reader) error {
	client, err := b.init(ctx)
	if err != nil {
		return err
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to put object '%s': %w", u, err)
	}
	return nil
}
