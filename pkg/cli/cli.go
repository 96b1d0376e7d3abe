package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amirimatin/discv5-cli/pkg/discovery/static"
	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/keys"
	tracing "github.com/amirimatin/discv5-cli/pkg/observability/tracing"
	"github.com/amirimatin/discv5-cli/pkg/packet"
	"github.com/amirimatin/discv5-cli/pkg/record"
	tlsx "github.com/amirimatin/discv5-cli/pkg/security/tlsconfig"
	"github.com/amirimatin/discv5-cli/pkg/server"
	"github.com/amirimatin/discv5-cli/pkg/transport"
	mgmtgrpc "github.com/amirimatin/discv5-cli/pkg/transport/grpc"
	httpjson "github.com/amirimatin/discv5-cli/pkg/transport/httpjson"
)

type globals struct {
	level  string
	format string
	log    *logrus.Logger
}

func (g *globals) setup(cmd *cobra.Command) error {
	lvl, err := logutil.ParseLevel(g.level)
	if err != nil {
		return err
	}
	switch g.format {
	case "json":
		logutil.SetJSON(true)
	case "text":
		logutil.SetJSON(false)
	case "":
	default:
		return fmt.Errorf("unknown log format %q (want text|json)", g.format)
	}
	g.log = logutil.New(cmd.ErrOrStderr(), lvl)
	return nil
}

// AddAll attaches the discv5 subcommands (server/packet/request-enr/status)
// and the logging flags to the provided root command.
func AddAll(root *cobra.Command) {
	g := &globals{}
	root.PersistentFlags().StringVarP(&g.level, "log-level", "v", "info", "log verbosity: trace|debug|info|warn|error")
	root.PersistentFlags().StringVar(&g.format, "log-format", "", "log format: text|json (default from DISCV5_LOG_FORMAT)")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error { return g.setup(cmd) }

	root.AddCommand(NewServerCmd(g))
	root.AddCommand(NewPacketCmd(g))
	root.AddCommand(NewRequestENRCmd(g))
	root.AddCommand(NewStatusCmd())
}

type tlsFlags struct {
	enable, skip              bool
	ca, cert, key, serverName string
}

func (t *tlsFlags) bind(fs *pflag.FlagSet) {
	fs.BoolVar(&t.enable, "tls-enable", false, "enable TLS for the management endpoint")
	fs.StringVar(&t.ca, "tls-ca", "", "path to CA cert (PEM)")
	fs.StringVar(&t.cert, "tls-cert", "", "path to certificate (PEM)")
	fs.StringVar(&t.key, "tls-key", "", "path to private key (PEM)")
	fs.BoolVar(&t.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	fs.StringVar(&t.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (t *tlsFlags) options() tlsx.Options {
	return tlsx.Options{Enable: t.enable, CAFile: t.ca, CertFile: t.cert, KeyFile: t.key, InsecureSkipVerify: t.skip, ServerName: t.serverName}
}

type serverFlags struct {
	listenAddress string
	listenPort    uint16
	listenPortV6  uint16
	enrAddress    string
	enrPortV4     uint16
	enrPortV6     uint16
	enrSeq        string
	enrEth2       string
	enrDefault    bool
	staticKey     bool
	secpKey       string
	enrs          string
	bootstrap     string
	bootstrapEnv  string
	dnsTrees      string
	peerUpdateMin int
	breakTime     uint64
	stats         uint64
	noSearch      bool
	nodeDB        string
	talkProtocol  string
	mgmtAddr      string
	mgmtProto     string
	trace         bool
	tls           tlsFlags
}

func (o *serverFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.listenAddress, "listen-address", "l", record.DefaultListenAddresses, "listening address(es) of the server, comma separated (one IPv4 and/or one IPv6)")
	fs.Uint16VarP(&o.listenPort, "listen-port", "p", record.DefaultListenPort, "listening UDP port of the server")
	fs.Uint16VarP(&o.listenPortV6, "listen-port-v6", "6", 0, "listening UDP port for IPv6 (defaults to --listen-port)")
	fs.StringVarP(&o.enrAddress, "enr-address", "i", "", "IP address(es) of the ENR record, comma separated")
	fs.Uint16VarP(&o.enrPortV4, "enr-v4-port", "u", 0, "UDP port of the ENR record (IPv4)")
	fs.Uint16VarP(&o.enrPortV6, "enr-v6-port", "U", 0, "UDP port of the ENR record (IPv6)")
	fs.StringVarP(&o.enrSeq, "enr-seq-no", "q", "", "sequence number of the ENR record")
	fs.StringVarP(&o.enrEth2, "enr-eth2", "d", "", "eth2 field of the ENR record, hex encoded")
	fs.BoolVarP(&o.enrDefault, "enr-default", "w", false, "use the listen address and port for the ENR record")
	fs.BoolVarP(&o.staticKey, "static-key", "k", false, "use a fixed static key (debugging)")
	fs.StringVarP(&o.secpKey, "secp256k1-key", "t", "", "hex encoded secp256k1 private key")
	fs.StringVarP(&o.enrs, "enr", "e", "", "base64 ENR(s) of nodes to bootstrap from, comma separated")
	fs.StringVarP(&o.bootstrap, "bootstrap", "o", "", "JSON file of peers to bootstrap the routing table")
	fs.StringVar(&o.bootstrapEnv, "bootstrap-env", "", "environment variable holding the bootstrap file path (overrides --bootstrap)")
	fs.StringVar(&o.dnsTrees, "dns-tree", "", "enrtree:// URLs to bootstrap from, comma separated")
	fs.IntVarP(&o.peerUpdateMin, "peer-update-min", "n", server.MinPeerUpdateMin, "peers required before the advertised socket is updated (>= 2)")
	fs.Uint64VarP(&o.breakTime, "break-time", "b", uint64(server.DefaultBreakTime/time.Second), "seconds between queries")
	fs.Uint64VarP(&o.stats, "stats", "s", uint64(server.DefaultStatsPeriod/time.Second), "seconds between routing table statistics, 0 disables")
	fs.BoolVarP(&o.noSearch, "no-search", "x", false, "do not run the query loop")
	fs.StringVar(&o.nodeDB, "nodedb", "", "node database directory (empty keeps it in memory)")
	fs.StringVar(&o.talkProtocol, "talk-protocol", "", "answer TALKREQ messages for this protocol")
	fs.StringVar(&o.mgmtAddr, "mgmt-addr", "", "management address (tcp) serving /status, /healthz and /metrics")
	fs.StringVar(&o.mgmtProto, "mgmt-proto", "http", "management protocol: http|grpc")
	fs.BoolVar(&o.trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	o.tls.bind(fs)
}

func (o *serverFlags) config(svc server.Service, log logrus.FieldLogger) server.Config {
	return server.Config{
		Record: record.Config{
			ListenAddresses:   o.listenAddress,
			ListenPort:        o.listenPort,
			ListenPortV6:      o.listenPortV6,
			RecordAddresses:   o.enrAddress,
			RecordPortV4:      o.enrPortV4,
			RecordPortV6:      o.enrPortV6,
			UseListenAsRecord: o.enrDefault,
			Sequence:          o.enrSeq,
			AuxField:          o.enrEth2,
		},
		Key:           keys.Select(o.staticKey, o.secpKey),
		BootstrapENRs: o.enrs,
		BootstrapFile: o.bootstrap,
		BootstrapEnv:  o.bootstrapEnv,
		DNSTrees:      static.Parse(o.dnsTrees),
		PeerUpdateMin: o.peerUpdateMin,
		NodeDB:        o.nodeDB,
		TalkProtocol:  o.talkProtocol,
		Service:       svc,
		BreakTime:     time.Duration(o.breakTime) * time.Second,
		StatsPeriod:   time.Duration(o.stats) * time.Second,
		NoSearch:      o.noSearch,
		MgmtAddr:      o.mgmtAddr,
		MgmtProto:     o.mgmtProto,
		TLS:           o.tls.options(),
		Logger:        log,
	}
}

// NewServerCmd returns the "server" command; "query" (default) and
// "events" select the service.
func NewServerCmd(g *globals) *cobra.Command {
	o := &serverFlags{}
	run := func(svc server.Service) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if o.peerUpdateMin < server.MinPeerUpdateMin {
				return fmt.Errorf("%w: --peer-update-min cannot be less than %d, got %d", server.ErrInvalidConfig, server.MinPeerUpdateMin, o.peerUpdateMin)
			}
			ctx, cancel := signalContext()
			defer cancel()

			if o.trace {
				shutdown, err := tracing.Setup(true, cmd.ErrOrStderr())
				if err != nil {
					g.log.WithError(err).Warn("tracing setup error")
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}
			return server.Run(ctx, o.config(svc, g.log))
		}
	}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a discv5 node",
		Args:  cobra.NoArgs,
		RunE:  run(server.ServiceQuery),
	}
	o.bind(cmd.PersistentFlags())
	cmd.AddCommand(&cobra.Command{
		Use:   "query",
		Short: "Query random node ids (default)",
		Args:  cobra.NoArgs,
		RunE:  run(server.ServiceQuery),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "Print the engine event stream",
		Args:  cobra.NoArgs,
		RunE:  run(server.ServiceEvents),
	})
	return cmd
}

// NewPacketCmd returns the "packet" command group.
func NewPacketCmd(g *globals) *cobra.Command {
	var hexPacket, nodeID string
	decode := &cobra.Command{
		Use:   "decode",
		Short: "Unmask and decode the header of a raw discv5 packet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := packet.DecodeHex(hexPacket, nodeID)
			if err != nil {
				return err
			}
			logutil.Infof(g.log, "Packet decoded: %s", p)
			if p.Record != nil {
				server.PrintENR(g.log, p.Record)
			}
			return nil
		},
	}
	decode.Flags().StringVarP(&hexPacket, "packet", "p", "", "hex encoded packet (required)")
	decode.Flags().StringVarP(&nodeID, "node-id", "n", "", "hex node id of the packet's destination")
	_ = decode.MarkFlagRequired("packet")

	parent := &cobra.Command{Use: "packet", Short: "Packet inspection commands"}
	parent.AddCommand(decode)
	return parent
}

// NewRequestENRCmd returns the "request-enr" command.
func NewRequestENRCmd(g *globals) *cobra.Command {
	var (
		maddr, listenAddress string
		listenPort           uint16
		timeout              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request-enr",
		Short: "Request the ENR of a node given its multiaddr",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			_, err := server.RequestENR(ctx, server.RequestConfig{
				Multiaddr:     maddr,
				ListenAddress: listenAddress,
				ListenPort:    listenPort,
				Timeout:       timeout,
				Logger:        g.log,
			})
			return err
		},
	}
	cmd.Flags().StringVarP(&maddr, "multiaddr", "m", "", "multiaddr of the node, /ip4/<ip>/udp/<port>/p2p/<peer-id> (required)")
	cmd.Flags().StringVarP(&listenAddress, "listen-address", "l", record.DefaultListenAddresses, "local listening address")
	cmd.Flags().Uint16VarP(&listenPort, "listen-port", "p", server.DefaultRequestListenPort, "local listening UDP port")
	cmd.Flags().DurationVar(&timeout, "timeout", server.DefaultRequestTimeout, "request timeout")
	_ = cmd.MarkFlagRequired("multiaddr")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr, mgmtProto string
		timeout         time.Duration
		tf              tlsFlags
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch a node's status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cliTLS *tls.Config
			if tf.enable {
				var err error
				if cliTLS, err = tf.options().Client(); err != nil {
					return fmt.Errorf("tls client config: %w", err)
				}
			}
			var client transport.StatusClient
			switch mgmtProto {
			case "grpc":
				c := mgmtgrpc.NewClient(timeout)
				if cliTLS != nil {
					c.UseTLS(cliTLS)
				}
				client = c
			default:
				c := httpjson.NewClient(timeout)
				if cliTLS != nil {
					c.UseTLS(cliTLS)
				}
				client = c
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = out.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9080", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	tf.bind(cmd.Flags())
	return cmd
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
