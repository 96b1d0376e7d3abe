package httpjson

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/discv5-cli/pkg/transport"
)

// Client is a thin HTTP client for the management API with simple retry.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config and switches the request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	c.transport.TLSClientConfig = cfg
	c.isTLS = cfg != nil
	return c
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/status", scheme, addr)
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		b, err := c.get(ctx, url)
		if err == nil {
			return b, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return b, nil
}

var _ transport.StatusClient = (*Client)(nil)
