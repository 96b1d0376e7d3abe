package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrMissingKeyPair = errors.New("tls: server cert/key required when TLS enabled")

// Options defines TLS inputs for the management endpoint.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

// Server returns a tls.Config for the management server if enabled,
// otherwise nil. A CA file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, ErrMissingKeyPair
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client returns a tls.Config for the status client if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName, MinVersion: tls.VersionTLS12} //nolint:gosec
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}
