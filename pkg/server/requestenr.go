package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/keys"
	"github.com/amirimatin/discv5-cli/pkg/record"
)

const (
	DefaultRequestListenPort = 9001
	DefaultRequestTimeout    = 10 * time.Second
)

// RequestConfig describes a one-shot ENR request.
type RequestConfig struct {
	Multiaddr     string // /ip4/<ip>/udp/<port>/p2p/<peer-id>
	ListenAddress string // default 0.0.0.0
	ListenPort    uint16 // default 9001
	Timeout       time.Duration
	Logger        logrus.FieldLogger
}

// RequestENR starts an ephemeral engine, asks the peer behind the multiaddr
// for its record and logs what it learns.
func RequestENR(ctx context.Context, cfg RequestConfig) (*enode.Node, error) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = record.DefaultListenAddresses
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultRequestListenPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	log := logutil.Or(cfg.Logger)

	m, err := ma.NewMultiaddr(cfg.Multiaddr)
	if err != nil {
		return nil, fmt.Errorf("%w: multiaddr: %v", ErrInvalidConfig, err)
	}
	target, err := record.NodeFromMultiaddr(m)
	if err != nil {
		return nil, err
	}
	listenIP := net.ParseIP(cfg.ListenAddress)
	if listenIP == nil {
		return nil, fmt.Errorf("%w: %q", record.ErrInvalidAddress, cfg.ListenAddress)
	}

	key, err := keys.Load(keys.Generated{})
	if err != nil {
		return nil, err
	}
	self, err := record.Build(record.Config{
		ListenAddresses:   cfg.ListenAddress,
		ListenPort:        cfg.ListenPort,
		UseListenAsRecord: true,
	}, key, log)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(self, key, engine.Config{
		Listen: &net.UDPAddr{IP: listenIP, Port: int(cfg.ListenPort)},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}

	logutil.Infof(log, "Requesting ENR for: %s", m)
	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	got, err := eng.RequestENR(rctx, target)
	if err != nil {
		return nil, fmt.Errorf("server: request enr from %s: %w", target.ID().TerminalString(), err)
	}
	PrintENR(log, got)
	return got, nil
}

// PrintENR logs the interesting fields of n.
func PrintENR(log logrus.FieldLogger, n *enode.Node) {
	logutil.Infof(log, "ENR Found:")
	logutil.Infof(log, "Sequence No:%d", n.Seq())
	logutil.Infof(log, "NodeId:%s", n.ID())
	if pid, err := record.PeerID(n); err == nil {
		logutil.Infof(log, "Libp2p PeerId:%s", pid)
	}
	if ip := n.IP(); ip != nil {
		logutil.Infof(log, "IP:%s", ip)
	}
	if n.TCP() != 0 {
		logutil.Infof(log, "TCP Port:%d", n.TCP())
	}
	if n.UDP() != 0 {
		logutil.Infof(log, "UDP Port:%d", n.UDP())
	}
	if addrs := record.Multiaddrs(n); len(addrs) > 0 {
		logutil.Infof(log, "Known multiaddrs:")
		for _, a := range addrs {
			logutil.Infof(log, "%s", a)
		}
	}
}
