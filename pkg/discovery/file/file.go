package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/amirimatin/discv5-cli/pkg/discovery"
	"github.com/amirimatin/discv5-cli/pkg/engine"
	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/observability/metrics"
	"github.com/amirimatin/discv5-cli/pkg/record"
)

var (
	ErrOpen   = errors.New("file: cannot open bootstrap file")
	ErrDecode = errors.New("file: malformed bootstrap file")
)

// Options configures file based bootstrap.
type Options struct {
	// Path to a JSON bootstrap file.
	Path string
	// Env names an environment variable that overrides Path when non-empty.
	Env string
}

func (o Options) path() string {
	if o.Env != "" {
		if v := strings.TrimSpace(os.Getenv(o.Env)); v != "" {
			return v
		}
	}
	return o.Path
}

type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

func (s *State) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch State(v) {
	case StateConnected, StateDisconnected:
		*s = State(v)
		return nil
	}
	return fmt.Errorf("unknown state %q", v)
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d *Direction) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch Direction(v) {
	case DirectionInbound, DirectionOutbound:
		*d = Direction(v)
		return nil
	}
	return fmt.Errorf("unknown direction %q", v)
}

// Engine maps the file direction onto the engine's.
func (d Direction) Engine() engine.Direction {
	if d == DirectionInbound {
		return engine.Incoming
	}
	return engine.Outgoing
}

// Entry is one previously known peer.
type Entry struct {
	PeerID             string    `json:"peer_id"`
	ENR                string    `json:"enr"`
	LastSeenP2PAddress string    `json:"last_seen_p2p_address"`
	State              State     `json:"state"`
	Direction          Direction `json:"direction"`
}

// Store is the on-disk bootstrap document.
type Store struct {
	Data []Entry `json:"data"`
}

// Load reads and decodes the bootstrap file at path.
func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrOpen, path, err)
	}
	var s Store
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDecode, path, err)
	}
	return &s, nil
}

// Bootstrap registers every usable entry of the configured file with reg.
// A missing path is a no-op.
func Bootstrap(reg discovery.Registrar, opts Options, log logrus.FieldLogger) (discovery.Result, error) {
	path := opts.path()
	if path == "" {
		return discovery.Result{}, nil
	}
	store, err := Load(path)
	if err != nil {
		return discovery.Result{}, err
	}

	var res discovery.Result
	for i, e := range store.Data {
		n, err := record.Parse(e.ENR)
		if err != nil {
			res.Skipped++
			res.Errs = multierr.Append(res.Errs, fmt.Errorf("entry %d: %w", i, err))
			metrics.BootstrapEntries.WithLabelValues("file", "skipped").Inc()
			continue
		}
		res.Merge(discovery.Register(reg, []*enode.Node{n}, e.Direction.Engine(), "file", log))
	}
	logutil.Infof(log, "Bootstrap file %s: %d added, %d skipped, %d rejected", path, res.Added, res.Skipped, res.Rejected)
	return res, nil
}
