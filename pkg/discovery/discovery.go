// Package discovery feeds bootstrap candidates into the engine's routing
// table. Sources live in the static, file and dns subpackages.
package discovery

import (
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/observability/metrics"
)

// Registrar accepts bootstrap candidates.
type Registrar interface {
	AddNode(n *enode.Node, dir engine.Direction) error
}

// Source yields bootstrap nodes.
type Source interface {
	Nodes() ([]*enode.Node, error)
}

// Result tallies one bootstrap pass. Errs collects the per-entry reasons.
type Result struct {
	Added    int
	Skipped  int
	Rejected int
	Errs     error
}

func (r Result) Total() int { return r.Added + r.Skipped + r.Rejected }

// Merge adds o's counters into r.
func (r *Result) Merge(o Result) {
	r.Added += o.Added
	r.Skipped += o.Skipped
	r.Rejected += o.Rejected
	r.Errs = multierr.Append(r.Errs, o.Errs)
}

// Register hands every node to reg with the same direction. Refused nodes
// are counted and logged at debug level. source labels the metrics.
func Register(reg Registrar, nodes []*enode.Node, dir engine.Direction, source string, log logrus.FieldLogger) Result {
	var res Result
	for _, n := range nodes {
		if err := reg.AddNode(n, dir); err != nil {
			res.Rejected++
			res.Errs = multierr.Append(res.Errs, err)
			if log != nil {
				log.WithField("source", source).WithError(err).Debugf("bootstrap node %s not added", n.ID().TerminalString())
			}
			metrics.BootstrapEntries.WithLabelValues(source, "rejected").Inc()
			continue
		}
		res.Added++
		metrics.BootstrapEntries.WithLabelValues(source, "added").Inc()
	}
	return res
}
