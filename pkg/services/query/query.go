// Package query runs the periodic random-target lookup that keeps the
// routing table populated.
package query

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/observability/metrics"
	"github.com/amirimatin/discv5-cli/pkg/observability/tracing"
)

const DefaultBreakTime = 10 * time.Second

// Finder is the part of the engine the loop needs.
type Finder interface {
	FindNode(ctx context.Context, target enode.ID) ([]*enode.Node, error)
	ConnectedPeers() int
}

type Options struct {
	// BreakTime is the pause between lookups.
	BreakTime time.Duration
	Logger    logrus.FieldLogger
	// Target picks the lookup target; nil uses RandomID.
	Target func() enode.ID
}

type Loop struct {
	f    Finder
	opts Options
}

func New(f Finder, opts Options) *Loop {
	if opts.BreakTime <= 0 {
		opts.BreakTime = DefaultBreakTime
	}
	if opts.Target == nil {
		opts.Target = RandomID
	}
	opts.Logger = logutil.Or(opts.Logger)
	return &Loop{f: f, opts: opts}
}

// Run alternates between a lookup and a pause until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Step(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.opts.BreakTime):
		}
		logutil.Infof(l.opts.Logger, "Connected Peers: %d", l.f.ConnectedPeers())
	}
}

// Step issues one lookup. Failures are logged and not retried.
func (l *Loop) Step(ctx context.Context) ([]*enode.Node, error) {
	target := l.opts.Target()
	ctx, end := tracing.StartSpan(ctx, "query.find_node", attribute.String("target", target.String()))
	defer end()

	logutil.Infof(l.opts.Logger, "Searching for peers...")
	nodes, err := l.f.FindNode(ctx, target)
	if err != nil {
		if ctx.Err() == nil {
			logutil.Warnf(l.opts.Logger, "Find Node result failed: %v", err)
		}
		tracing.RecordError(ctx, err)
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	metrics.QueryFoundNodes.Observe(float64(len(nodes)))
	logutil.Infof(l.opts.Logger, "Query Completed. Nodes found: %d", len(nodes))
	for _, n := range nodes {
		logutil.Infof(l.opts.Logger, "Node: %s", n.ID())
	}
	return nodes, nil
}

// RandomID returns a uniformly random 256-bit node id.
func RandomID() enode.ID {
	var id enode.ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("query: crypto/rand: " + err.Error())
	}
	return id
}
