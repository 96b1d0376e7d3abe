// Package engine exposes the discovery protocol engine to the harness
// services: a routing table snapshot, lookups, bootstrap registration and
// an event stream.
package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
)

var (
	ErrNotStarted     = errors.New("engine: not started")
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrClosed         = errors.New("engine: closed")
	ErrNilNode        = errors.New("engine: nil node")
	ErrSelf           = errors.New("engine: refusing to add local node")
)

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Status is the connection status of a routing table entry.
type Status struct {
	State     State
	Direction Direction
}

// TableEntry is one row of a routing table snapshot.
type TableEntry struct {
	ID     enode.ID
	Node   *enode.Node
	Status Status
}

// EventKind names an engine notification. SessionEstablished is reported
// the first time a node answers a ping or an ENR request.
type EventKind string

const (
	EventSocketUpdated      EventKind = "socket_updated"
	EventDiscovered         EventKind = "discovered"
	EventEnrAdded           EventKind = "enr_added"
	EventNodeInserted       EventKind = "node_inserted"
	EventSessionEstablished EventKind = "session_established"
	EventTalkRequest        EventKind = "talk_request"
)

// Event is an engine notification. Only the fields relevant to Kind are
// populated.
type Event struct {
	Kind     EventKind
	At       time.Time
	Node     *enode.Node
	ID       enode.ID
	Addr     *net.UDPAddr
	Protocol string
	Payload  []byte
}

// Engine is the handle shared by every harness task.
type Engine interface {
	Start(ctx context.Context) error
	Close() error

	Self() *enode.Node
	AddNode(n *enode.Node, dir Direction) error
	FindNode(ctx context.Context, target enode.ID) ([]*enode.Node, error)
	RequestENR(ctx context.Context, n *enode.Node) (*enode.Node, error)
	TableEntries() []TableEntry
	ConnectedPeers() int

	// Subscribe returns a buffered channel of events that is closed when ctx
	// is done or the engine is closed. Slow consumers lose events.
	Subscribe(ctx context.Context) <-chan Event
}
