package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/keys"
	"github.com/amirimatin/discv5-cli/pkg/record"
	tlsx "github.com/amirimatin/discv5-cli/pkg/security/tlsconfig"
	"github.com/amirimatin/discv5-cli/pkg/services/query"
	"github.com/amirimatin/discv5-cli/pkg/services/stats"
)

var ErrInvalidConfig = errors.New("server: invalid configuration")

// Service selects what the server does once the engine is running.
type Service string

const (
	ServiceQuery  Service = "query"
	ServiceEvents Service = "events"
)

const (
	DefaultBreakTime   = query.DefaultBreakTime
	DefaultStatsPeriod = stats.DefaultPeriod
	MinPeerUpdateMin   = engine.DefaultPeerUpdateMin
)

// Config defines the inputs to assemble and run one discv5 node. Embedders
// fill it and call Build/Run, the CLI maps its flags onto it.
type Config struct {
	// Identity
	Record record.Config
	Key    keys.Source // nil generates a key

	// Bootstrap sources
	BootstrapENRs string   // CSV of ENRs; any invalid entry is fatal
	BootstrapFile string   // JSON bootstrap file
	BootstrapEnv  string   // env var overriding BootstrapFile
	DNSTrees      []string // enrtree:// URLs

	// Engine. PeerUpdateMin 0 means MinPeerUpdateMin; 1 or negative is invalid.
	PeerUpdateMin int
	NodeDB        string
	TalkProtocol  string

	// Services
	Service     Service
	BreakTime   time.Duration
	StatsPeriod time.Duration // 0 disables statistics
	NoSearch    bool

	// Management API (status/healthz/metrics); empty MgmtAddr disables it.
	MgmtAddr  string
	MgmtProto string // "http" (default) or "grpc"
	TLS       tlsx.Options

	// Logger (optional). If nil, the logrus standard logger is used.
	Logger logrus.FieldLogger
}

// Validate checks the configuration without touching the network.
func (c Config) Validate() error {
	if c.PeerUpdateMin != 0 && c.PeerUpdateMin < MinPeerUpdateMin {
		return fmt.Errorf("%w: peer-update-min must be at least %d, got %d", ErrInvalidConfig, MinPeerUpdateMin, c.PeerUpdateMin)
	}
	switch c.Service {
	case "", ServiceQuery, ServiceEvents:
	default:
		return fmt.Errorf("%w: unknown service %q", ErrInvalidConfig, c.Service)
	}
	switch c.MgmtProto {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("%w: unknown management protocol %q", ErrInvalidConfig, c.MgmtProto)
	}
	if c.BreakTime < 0 || c.StatsPeriod < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if _, _, err := c.Record.Listen(); err != nil {
		return err
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = ServiceQuery
	}
	if c.PeerUpdateMin == 0 {
		c.PeerUpdateMin = MinPeerUpdateMin
	}
	if c.BreakTime == 0 {
		c.BreakTime = DefaultBreakTime
	}
	if c.MgmtProto == "" {
		c.MgmtProto = "http"
	}
	if c.Key == nil {
		c.Key = keys.Generated{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}
