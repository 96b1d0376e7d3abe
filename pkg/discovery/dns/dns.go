package dns

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/dnsdisc"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/amirimatin/discv5-cli/pkg/discovery"
)

// TreeSyncer resolves an EIP-1459 tree. *dnsdisc.Client implements it.
type TreeSyncer interface {
	SyncTree(url string) (*dnsdisc.Tree, error)
}

// Options configures DNS tree bootstrap.
type Options struct {
	// URLs are enrtree:// links.
	URLs []string

	// Timeout bounds each DNS lookup; zero uses 5s.
	Timeout time.Duration

	// Refresh controls cache staleness; if zero, defaults to 5m.
	Refresh time.Duration

	// Syncer optionally overrides the dnsdisc client.
	Syncer TreeSyncer

	Logger logrus.FieldLogger
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	cache []*enode.Node
}

// New returns a Source backed by the given DNS trees.
func New(opts Options) discovery.Source {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Minute
	}
	if opts.Syncer == nil {
		opts.Syncer = dnsdisc.NewClient(dnsdisc.Config{Timeout: opts.Timeout})
	}
	return &impl{opts: opts}
}

// Nodes syncs every tree and merges the results by node id. Trees that fail
// are reported in the error while the nodes of the others are returned.
func (d *impl) Nodes() ([]*enode.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
		return append([]*enode.Node(nil), d.cache...), nil
	}

	seen := make(map[enode.ID]struct{})
	var (
		out  []*enode.Node
		errs error
	)
	for _, url := range d.opts.URLs {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		tree, err := d.opts.Syncer.SyncTree(url)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dns: sync %s: %w", url, err))
			continue
		}
		nodes := tree.Nodes()
		if d.opts.Logger != nil {
			d.opts.Logger.WithField("tree", url).Debugf("resolved %d nodes", len(nodes))
		}
		for _, n := range nodes {
			if _, ok := seen[n.ID()]; ok {
				continue
			}
			seen[n.ID()] = struct{}{}
			out = append(out, n)
		}
	}
	if errs == nil {
		d.cache = out
		d.last = time.Now()
	}
	return out, errs
}
