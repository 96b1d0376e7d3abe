// Package events prints engine notifications as they arrive.
package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/observability/metrics"
)

// Run drains ch until it is closed or ctx is done.
func Run(ctx context.Context, ch <-chan engine.Event, log logrus.FieldLogger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			Print(log, ev)
		}
	}
}

// Print logs ev and reports whether its kind is known.
func Print(log logrus.FieldLogger, ev engine.Event) bool {
	switch ev.Kind {
	case engine.EventSocketUpdated:
		logutil.Infof(log, "Nodes ENR socket address has been updated to: %s", ev.Addr)
	case engine.EventDiscovered:
		logutil.Infof(log, "A peer has been discovered: %s", ev.ID)
	case engine.EventEnrAdded, engine.EventNodeInserted:
		logutil.Infof(log, "A peer has been added to the routing table with enr/node_id: %s", ev.ID)
	case engine.EventSessionEstablished:
		logutil.Infof(log, "A session has been established with peer: %s at address: %s", ev.ID, ev.Addr)
	case engine.EventTalkRequest:
		logutil.Infof(log, "A talk request has been received from peer: %s", ev.ID)
	default:
		return false
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	return true
}
