// Package stats summarises the routing table per log-distance bucket.
package stats

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/sirupsen/logrus"

	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/observability/metrics"
)

const DefaultPeriod = 10 * time.Second

// BucketStat counts the entries of one bucket.
type BucketStat struct {
	Bucket            int `json:"bucket"`
	ConnectedIncoming int `json:"connectedIncoming"`
	ConnectedOutgoing int `json:"connectedOutgoing"`
	Disconnected      int `json:"disconnected"`
}

func (b BucketStat) Connected() int { return b.ConnectedIncoming + b.ConnectedOutgoing }

// Aggregate groups entries by their log distance to local. Entries equal
// to local are ignored. Only non-empty buckets are returned, ascending.
func Aggregate(local enode.ID, entries []engine.TableEntry) []BucketStat {
	byBucket := make(map[int]*BucketStat)
	for _, e := range entries {
		d := enode.LogDist(local, e.ID)
		if d == 0 {
			continue
		}
		b, ok := byBucket[d]
		if !ok {
			b = &BucketStat{Bucket: d}
			byBucket[d] = b
		}
		switch {
		case e.Status.State == engine.Disconnected:
			b.Disconnected++
		case e.Status.Direction == engine.Incoming:
			b.ConnectedIncoming++
		default:
			b.ConnectedOutgoing++
		}
	}
	out := make([]BucketStat, 0, len(byBucket))
	for _, b := range byBucket {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// Snapshotter is the part of the engine the reporter reads.
type Snapshotter interface {
	Self() *enode.Node
	TableEntries() []engine.TableEntry
}

// Report is one aggregated snapshot.
type Report struct {
	At             time.Time    `json:"at"`
	LocalID        string       `json:"localId"`
	Entries        int          `json:"entries"`
	ConnectedPeers int          `json:"connectedPeers"`
	Buckets        []BucketStat `json:"buckets"`
}

type Options struct {
	// Period between reports. Zero disables the reporter.
	Period time.Duration
	Logger logrus.FieldLogger
}

type Reporter struct {
	src  Snapshotter
	opts Options

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewReporter(src Snapshotter, opts Options) *Reporter {
	opts.Logger = logutil.Or(opts.Logger)
	return &Reporter{src: src, opts: opts, seen: make(map[string]struct{})}
}

func (r *Reporter) Enabled() bool { return r.opts.Period > 0 }

// Run reports every Period until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	ticker := time.NewTicker(r.opts.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Collect()
		}
	}
}

// Snapshot aggregates the current table without logging.
func (r *Reporter) Snapshot() Report {
	rep, _ := r.snapshot()
	return rep
}

func (r *Reporter) snapshot() (Report, []engine.TableEntry) {
	self := r.src.Self()
	entries := r.src.TableEntries()
	rep := Report{
		At:      time.Now().UTC(),
		LocalID: self.ID().String(),
		Entries: len(entries),
		Buckets: Aggregate(self.ID(), entries),
	}
	for _, b := range rep.Buckets {
		rep.ConnectedPeers += b.Connected()
	}
	others := make([]engine.TableEntry, 0, len(entries))
	for _, e := range entries {
		if e.ID != self.ID() {
			others = append(others, e)
		}
	}
	return rep, others
}

// Collect takes a snapshot, logs one line per bucket and publishes gauges.
func (r *Reporter) Collect() Report {
	rep, entries := r.snapshot()
	for _, b := range rep.Buckets {
		logutil.Infof(r.opts.Logger, "Bucket %d statistics: Connected peers: %d (Incoming: %d, Outgoing: %d), Disconnected Peers: %d",
			b.Bucket, b.Connected(), b.ConnectedIncoming, b.ConnectedOutgoing, b.Disconnected)
	}
	r.publish(rep, entries)
	return rep
}

func (r *Reporter) publish(rep Report, entries []engine.TableEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := make(map[string]struct{}, len(rep.Buckets))
	for _, b := range rep.Buckets {
		label := strconv.Itoa(b.Bucket)
		current[label] = struct{}{}
		metrics.BucketPeers.WithLabelValues(label, engine.Connected.String()).Set(float64(b.Connected()))
		metrics.BucketPeers.WithLabelValues(label, engine.Disconnected.String()).Set(float64(b.Disconnected))
	}
	for label := range r.seen {
		if _, ok := current[label]; !ok {
			metrics.BucketPeers.DeleteLabelValues(label, engine.Connected.String())
			metrics.BucketPeers.DeleteLabelValues(label, engine.Disconnected.String())
		}
	}
	r.seen = current
	totals := map[engine.Status]int{}
	for _, e := range entries {
		totals[e.Status]++
	}
	metrics.TableEntries.Reset()
	for st, v := range totals {
		metrics.TableEntries.WithLabelValues(st.State.String(), st.Direction.String()).Set(float64(v))
	}
	metrics.ConnectedPeers.Set(float64(rep.ConnectedPeers))
}
