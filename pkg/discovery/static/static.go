package static

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/amirimatin/discv5-cli/pkg/discovery"
	"github.com/amirimatin/discv5-cli/pkg/record"
)

type staticNodes struct {
	nodes []*enode.Node
}

func (s *staticNodes) Nodes() ([]*enode.Node, error) { return append([]*enode.Node(nil), s.nodes...), nil }

// New returns a Source that always yields the given nodes.
func New(nodes ...*enode.Node) discovery.Source {
	cleaned := make([]*enode.Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			cleaned = append(cleaned, n)
		}
	}
	return &staticNodes{nodes: cleaned}
}

// Parse converts a comma-separated list into trimmed, non-empty items.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromCSV decodes a comma-separated list of ENRs. Any malformed record
// fails the whole list.
func FromCSV(csv string) (discovery.Source, error) {
	items := Parse(csv)
	nodes := make([]*enode.Node, 0, len(items))
	for i, item := range items {
		n, err := record.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("static: entry %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	return New(nodes...), nil
}
