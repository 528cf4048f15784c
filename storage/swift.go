package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/objectstorage/v1/objects"
)

// swiftBackend serves "swift://container/object" URLs using the OS_*
// environment for authentication. The client is created lazily on first use.
type swiftBackend struct {
	once   sync.Once
	client *gophercloud.ServiceClient
	err    error
}

func (b *swiftBackend) init() (*gophercloud.ServiceClient, error) {
	b.once.Do(func() {
		opts, err := openstack.AuthOptionsFromEnv()
		if err != nil {
			b.err = fmt.Errorf("failed to get auth options from env: %w", err)
			return
		}

		provider, err := openstack.AuthenticatedClient(opts)
		if err != nil {
			b.err = fmt.Errorf("failed to get authenticated client: %w", err)
			return
		}

		b.client, b.err = openstack.NewObjectStorageV1(provider, gophercloud.EndpointOpts{
			Region: os.Getenv("OS_REGION_NAME"),
		})
	})
	return b.client, b.err
}

func split(u *url.URL) (container, object string) {
	return u.Host, strings.TrimPrefix(u.Path, "/")
}

func (b *swiftBackend) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	client, err := b.init()
	if err != nil {
		return nil, err
	}

	container, object := split(u)
	download := objects.Download(client, container, object, nil)
	if download.Err != nil {
		return nil, fmt.Errorf("failed to download object '%s': %w", u, download.Err)
	}
	return download.Body, nil
}

func (b *swiftBackend) Create(ctx context.Context, u *url.URL, r io.Reader) error {
	client, err := b.init()
	if err != nil {
		return err
	}

	container, object := split(u)
	result := objects.Create(client, container, object, objects.CreateOpts{Content: r})
	if result.Err != nil {
		return fmt.Errorf("failed to upload object '%s': %w", u, result.Err)
	}
	return nil
}
