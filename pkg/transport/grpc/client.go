package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/amirimatin/discv5-cli/pkg/transport"
)

type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS enables TLS for outgoing calls.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) conn(target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype(codecName)),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	defer cc.Close()
	out := new(statusBlob)
	if err := cc.Invoke(cctx, getStatusMethod, &empty{}, out, grpc.WaitForReady(true)); err != nil {
		return nil, err
	}
	return out.Data, nil
}

var _ transport.StatusClient = (*Client)(nil)
