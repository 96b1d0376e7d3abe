package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/discv5-cli/pkg/discovery"
	dDNS "github.com/amirimatin/discv5-cli/pkg/discovery/dns"
	dFile "github.com/amirimatin/discv5-cli/pkg/discovery/file"
	dStatic "github.com/amirimatin/discv5-cli/pkg/discovery/static"
	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/keys"
	"github.com/amirimatin/discv5-cli/pkg/observability/metrics"
	"github.com/amirimatin/discv5-cli/pkg/record"
	"github.com/amirimatin/discv5-cli/pkg/services/events"
	"github.com/amirimatin/discv5-cli/pkg/services/query"
	"github.com/amirimatin/discv5-cli/pkg/services/stats"
	"github.com/amirimatin/discv5-cli/pkg/transport"
	mgmtgrpc "github.com/amirimatin/discv5-cli/pkg/transport/grpc"
	"github.com/amirimatin/discv5-cli/pkg/transport/httpjson"
)

// Node is an assembled, not yet running, discv5 node.
type Node struct {
	cfg       Config
	Key       *ecdsa.PrivateKey
	Record    *enode.Node
	Engine    *engine.Discv5
	Bootstrap discovery.Result

	stats *stats.Reporter
	mgmt  transport.StatusServer
}

// Build assembles a Node from cfg: key, record, engine and bootstrap
// candidates. No socket is opened.
func Build(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger

	key, err := keys.Load(cfg.Key)
	if err != nil {
		return nil, err
	}
	logutil.Debugf(log, "using %s key", cfg.Key)
	rec, err := record.Build(cfg.Record, key, log)
	if err != nil {
		return nil, err
	}

	listen4, listen6, err := cfg.Record.Listen()
	if err != nil {
		return nil, err
	}
	listen := listen4
	if listen == nil {
		listen = listen6
	}
	eng, err := engine.New(rec, key, engine.Config{
		Listen:        listen,
		PeerUpdateMin: cfg.PeerUpdateMin,
		NodeDB:        cfg.NodeDB,
		TalkProtocol:  cfg.TalkProtocol,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		Key:    key,
		Record: rec,
		Engine: eng,
		stats:  stats.NewReporter(eng, stats.Options{Period: cfg.StatsPeriod, Logger: log}),
	}
	if err := n.bootstrap(); err != nil {
		_ = eng.Close()
		return nil, err
	}
	if cfg.MgmtAddr != "" {
		if n.mgmt, err = newStatusServer(cfg); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}
	return n, nil
}

func newStatusServer(cfg Config) (transport.StatusServer, error) {
	tlsCfg, err := cfg.TLS.Server()
	if err != nil {
		return nil, err
	}
	if cfg.MgmtProto == "grpc" {
		s := mgmtgrpc.NewServer(cfg.MgmtAddr)
		if tlsCfg != nil {
			s.UseTLS(tlsCfg)
		}
		return s, nil
	}
	s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
	if tlsCfg != nil {
		s.UseTLS(tlsCfg)
	}
	return s, nil
}

// bootstrap registers candidates from every configured source. Explicit
// ENRs must all be accepted; file and DNS problems only warn.
func (n *Node) bootstrap() error {
	log := n.cfg.Logger

	if n.cfg.BootstrapENRs != "" {
		src, err := dStatic.FromCSV(n.cfg.BootstrapENRs)
		if err != nil {
			return fmt.Errorf("server: bootstrap enr: %w", err)
		}
		nodes, _ := src.Nodes()
		for _, bn := range nodes {
			logutil.Infof(log, "Connecting to ENR. ip: %s, udp_port: %d, tcp_port: %d", bn.IP(), bn.UDP(), bn.TCP())
		}
		res := discovery.Register(n.Engine, nodes, engine.Outgoing, "enr", log)
		n.Bootstrap.Merge(res)
		if res.Rejected > 0 {
			return fmt.Errorf("server: bootstrap enr not added: %w", res.Errs)
		}
	}

	if n.cfg.BootstrapFile != "" || n.cfg.BootstrapEnv != "" {
		res, err := dFile.Bootstrap(n.Engine, dFile.Options{Path: n.cfg.BootstrapFile, Env: n.cfg.BootstrapEnv}, log)
		if err != nil {
			logutil.Warnf(log, "Bootstrap file not loaded: %v", err)
		} else {
			n.Bootstrap.Merge(res)
		}
	}

	if len(n.cfg.DNSTrees) > 0 {
		nodes, err := dDNS.New(dDNS.Options{URLs: n.cfg.DNSTrees, Logger: log}).Nodes()
		if err != nil {
			logutil.Warnf(log, "DNS bootstrap incomplete: %v", err)
		}
		res := discovery.Register(n.Engine, nodes, engine.Outgoing, "dns", log)
		logutil.Infof(log, "DNS bootstrap: %d added, %d rejected", res.Added, res.Rejected)
		n.Bootstrap.Merge(res)
	}
	if total := n.Bootstrap.Total(); total > 0 {
		logutil.Infof(log, "Bootstrap candidates: %d (added %d, skipped %d, rejected %d)", total, n.Bootstrap.Added, n.Bootstrap.Skipped, n.Bootstrap.Rejected)
	}
	return nil
}

// Run starts the engine and the selected services and blocks until ctx is
// canceled. The engine is closed on return.
func (n *Node) Run(ctx context.Context) error {
	log := n.cfg.Logger
	metrics.Register()

	var evCh <-chan engine.Event
	if n.cfg.Service == ServiceEvents {
		evCh = n.Engine.Subscribe(ctx)
	}
	if err := n.Engine.Start(ctx); err != nil {
		_ = n.Engine.Close()
		return err
	}
	defer n.Engine.Close()

	g, gctx := errgroup.WithContext(ctx)
	if n.mgmt != nil {
		if err := n.mgmt.Start(gctx, n.Status); err != nil {
			return fmt.Errorf("server: management api: %w", err)
		}
		logutil.Infof(log, "Management API (%s) listening on %s", n.cfg.MgmtProto, n.mgmt.Addr())
	}
	if n.stats.Enabled() {
		g.Go(func() error { return n.stats.Run(gctx) })
	}
	switch n.cfg.Service {
	case ServiceEvents:
		g.Go(func() error { return events.Run(gctx, evCh, log) })
	default:
		if !n.cfg.NoSearch {
			loop := query.New(n.Engine, query.Options{BreakTime: n.cfg.BreakTime, Logger: log})
			g.Go(func() error { return loop.Run(gctx) })
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Close releases the engine of a node that was built but not run.
func (n *Node) Close() error { return n.Engine.Close() }

// BootstrapStatus summarises the bootstrap pass.
type BootstrapStatus struct {
	Added    int `json:"added"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

// Status is the management snapshot of a node.
type Status struct {
	NodeID     string          `json:"nodeId"`
	ENR        string          `json:"enr"`
	Seq        uint64          `json:"seq"`
	BuiltSeq   uint64          `json:"builtSeq"`
	Eth2       string          `json:"eth2,omitempty"`
	PeerID     string          `json:"peerId,omitempty"`
	Multiaddrs []string        `json:"multiaddrs,omitempty"`
	Service    Service         `json:"service"`
	Bootstrap  BootstrapStatus `json:"bootstrap"`
	Table      stats.Report    `json:"table"`
	Time       time.Time       `json:"time"`
}

// Snapshot gathers the current Status.
func (n *Node) Snapshot() Status {
	self := n.Engine.Self()
	st := Status{
		NodeID:    self.ID().String(),
		ENR:       self.String(),
		Seq:       self.Seq(),
		BuiltSeq:  n.Record.Seq(),
		Service:   n.cfg.Service,
		Bootstrap: BootstrapStatus{Added: n.Bootstrap.Added, Skipped: n.Bootstrap.Skipped, Rejected: n.Bootstrap.Rejected},
		Table:     n.stats.Snapshot(),
		Time:      time.Now().UTC(),
	}
	if pid, err := record.PeerID(self); err == nil {
		st.PeerID = pid.String()
	}
	if aux, err := record.Aux(self, record.DefaultAuxKey); err == nil {
		st.Eth2 = hex.EncodeToString(aux)
	}
	for _, m := range record.Multiaddrs(self) {
		st.Multiaddrs = append(st.Multiaddrs, m.String())
	}
	return st
}

// Status is the transport.StatusFunc served by the management API.
func (n *Node) Status(context.Context) ([]byte, error) {
	return json.Marshal(n.Snapshot())
}

// Run builds a node from cfg and runs it until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	n, err := Build(cfg)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}
