package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/discover"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/sirupsen/logrus"

	"github.com/amirimatin/discv5-cli/pkg/internal/logutil"
	"github.com/amirimatin/discv5-cli/pkg/record"
)

const (
	DefaultPeerUpdateMin = 2
	DefaultWatchInterval = time.Second
)

// Config tunes the UDP discv5 engine.
type Config struct {
	// Listen is the UDP bind address. nil binds 0.0.0.0:9000.
	Listen *net.UDPAddr
	// PeerUpdateMin is the number of live table peers required before a
	// change of the advertised socket is reported.
	PeerUpdateMin int
	// NodeDB is the node database directory. Empty keeps it in memory.
	NodeDB string
	// TalkProtocol registers a TALKREQ handler for that protocol name.
	TalkProtocol  string
	WatchInterval time.Duration
	// PingRetry is the pause before a table node that did not answer is
	// pinged again. Zero uses ten watch intervals.
	PingRetry time.Duration
	Logger    logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Listen == nil {
		c.Listen = &net.UDPAddr{IP: net.IPv4zero, Port: record.DefaultListenPort}
	}
	if c.PeerUpdateMin <= 0 {
		c.PeerUpdateMin = DefaultPeerUpdateMin
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = DefaultWatchInterval
	}
	if c.PingRetry <= 0 {
		c.PingRetry = 10 * c.WatchInterval
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

type registration struct {
	node *enode.Node
	dir  Direction
}

// Discv5 drives go-ethereum's discv5 implementation. Nodes registered before
// Start become the bootstrap set of the routing table.
type Discv5 struct {
	cfg  Config
	key  *ecdsa.PrivateKey
	self *enode.Node
	log  logrus.FieldLogger
	eb   eventBus

	mu         sync.RWMutex
	registered map[enode.ID]registration
	order      []enode.ID
	seen       map[enode.ID]struct{}
	alive      map[enode.ID]struct{}
	pinged     map[enode.ID]time.Time
	endpoint   string
	started    bool
	closed     bool

	db     *enode.DB
	ln     *enode.LocalNode
	udp    *discover.UDPv5
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pings  sync.WaitGroup
}

var _ Engine = (*Discv5)(nil)

// New prepares an engine for the signed record self. key must be the key
// that signed it.
func New(self *enode.Node, key *ecdsa.PrivateKey, cfg Config) (*Discv5, error) {
	if self == nil || key == nil {
		return nil, fmt.Errorf("engine: record and key are required")
	}
	if enode.PubkeyToIDV4(&key.PublicKey) != self.ID() {
		return nil, fmt.Errorf("engine: key does not match record %s", self.ID().TerminalString())
	}
	cfg = cfg.withDefaults()
	return &Discv5{
		cfg:        cfg,
		key:        key,
		self:       self,
		log:        cfg.Logger,
		registered: make(map[enode.ID]registration),
		seen:       make(map[enode.ID]struct{}),
		alive:      make(map[enode.ID]struct{}),
		pinged:     make(map[enode.ID]time.Time),
	}, nil
}

// Start binds the socket and launches the protocol.
func (d *Discv5) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return ErrAlreadyStarted
	}

	db, err := enode.OpenDB(d.cfg.NodeDB)
	if err != nil {
		return fmt.Errorf("engine: open node db: %w", err)
	}
	ln := enode.NewLocalNode(db, d.key)
	applyRecord(ln, d.self)

	conn, err := net.ListenUDP("udp", d.cfg.Listen)
	if err != nil {
		db.Close()
		return fmt.Errorf("engine: listen %s: %w", d.cfg.Listen, err)
	}
	boot := make([]*enode.Node, 0, len(d.order))
	for _, id := range d.order {
		boot = append(boot, d.registered[id].node)
	}
	udp, err := discover.ListenV5(conn, ln, discover.Config{
		PrivateKey:   d.key,
		Bootnodes:    boot,
		ValidSchemes: enode.ValidSchemes,
	})
	if err != nil {
		conn.Close()
		db.Close()
		return fmt.Errorf("engine: start discv5: %w", err)
	}
	if d.cfg.TalkProtocol != "" {
		udp.RegisterTalkHandler(d.cfg.TalkProtocol, d.handleTalk)
	}

	d.db, d.ln, d.udp = db, ln, udp
	d.endpoint = endpointOf(ln.Node())
	if seq := ln.Node().Seq(); seq != d.self.Seq() {
		d.log.WithFields(logrus.Fields{"built": d.self.Seq(), "advertised": seq}).
			Warnf("ENR sequence number is managed by the node database; advertised ENR: %s", ln.Node())
	}
	d.started = true

	wctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
		case <-wctx.Done():
			return
		}
		// caller context ended; stop watching but leave the socket to Close
		cancel()
	}()
	d.wg.Add(1)
	go d.watch(wctx)

	d.log.WithFields(logrus.Fields{"addr": conn.LocalAddr().String(), "bootnodes": len(boot)}).Debug("discv5 engine started")
	return nil
}

// applyRecord copies the built record into the local node. LocalNode owns
// the sequence number from here on.
func applyRecord(ln *enode.LocalNode, rec *enode.Node) {
	var (
		ip4  enr.IPv4
		ip6  enr.IPv6
		udp4 enr.UDP
		udp6 enr.UDP6
	)
	if rec.Load(&ip4) == nil {
		ln.SetStaticIP(net.IP(ip4))
	}
	if rec.Load(&ip6) == nil {
		ln.SetStaticIP(net.IP(ip6))
	}
	if rec.Load(&udp4) == nil {
		ln.SetFallbackUDP(int(udp4))
	} else if rec.Load(&udp6) == nil {
		ln.SetFallbackUDP(int(udp6))
	}
	elems := rec.Record().AppendElements(nil)
	for i := 1; i+1 < len(elems); i += 2 {
		k, ok := elems[i].(string)
		if !ok {
			continue
		}
		switch k {
		case "id", "secp256k1", "ip", "ip6", "udp", "udp6":
			continue
		}
		ln.Set(enr.WithEntry(k, elems[i+1]))
	}
}

func endpointOf(n *enode.Node) string {
	if a, ok := record.UDP4(n); ok {
		return a.String()
	}
	if a, ok := record.UDP6(n); ok {
		return a.String()
	}
	return ""
}

func (d *Discv5) transport() (*discover.UDPv5, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	if !d.started {
		return nil, ErrNotStarted
	}
	return d.udp, nil
}

// Self returns the current local record.
func (d *Discv5) Self() *enode.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ln != nil {
		return d.ln.Node()
	}
	return d.self
}

// AddNode registers a candidate peer. Before Start it joins the bootstrap
// set; afterwards it is only remembered with its direction.
func (d *Discv5) AddNode(n *enode.Node, dir Direction) error {
	if n == nil {
		return ErrNilNode
	}
	if n.ID() == d.self.ID() {
		return ErrSelf
	}
	if err := n.ValidateComplete(); err != nil {
		return fmt.Errorf("engine: node %s: %w", n.ID().TerminalString(), err)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	prev, dup := d.registered[n.ID()]
	if !dup {
		d.order = append(d.order, n.ID())
	}
	if !dup || n.Seq() >= prev.node.Seq() {
		d.registered[n.ID()] = registration{node: n, dir: dir}
	}
	d.mu.Unlock()

	d.eb.publish(Event{Kind: EventEnrAdded, Node: n, ID: n.ID()})
	return nil
}

// FindNode runs a lookup towards target. Every node returned is also
// published as a Discovered event.
func (d *Discv5) FindNode(ctx context.Context, target enode.ID) ([]*enode.Node, error) {
	udp, err := d.transport()
	if err != nil {
		return nil, err
	}
	ch := make(chan []*enode.Node, 1)
	go func() { ch <- udp.Lookup(target) }()
	var nodes []*enode.Node
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case nodes = <-ch:
	}
	if _, err := d.transport(); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		d.eb.publish(Event{Kind: EventDiscovered, Node: n, ID: n.ID()})
	}
	return nodes, nil
}

// RequestENR asks n for its current record.
func (d *Discv5) RequestENR(ctx context.Context, n *enode.Node) (*enode.Node, error) {
	udp, err := d.transport()
	if err != nil {
		return nil, err
	}
	type result struct {
		n   *enode.Node
		err error
	}
	ch := make(chan result, 1)
	go func() {
		got, err := udp.RequestENR(n)
		ch <- result{got, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err == nil {
			d.markAlive(r.n)
		}
		return r.n, r.err
	}
}

// TableEntries reports the table nodes, followed by registered candidates
// that are not in the table. A node is connected only once it has answered
// a ping or an ENR request; everything else is disconnected.
func (d *Discv5) TableEntries() []TableEntry {
	var live []*enode.Node
	if udp, err := d.transport(); err == nil {
		live = udp.AllNodes()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]TableEntry, 0, len(live)+len(d.order))
	inTable := make(map[enode.ID]struct{}, len(live))
	for _, n := range live {
		dir := Outgoing
		if reg, ok := d.registered[n.ID()]; ok {
			dir = reg.dir
		}
		state := Disconnected
		if _, ok := d.alive[n.ID()]; ok {
			state = Connected
		}
		inTable[n.ID()] = struct{}{}
		out = append(out, TableEntry{ID: n.ID(), Node: n, Status: Status{State: state, Direction: dir}})
	}
	for _, id := range d.order {
		if _, ok := inTable[id]; ok {
			continue
		}
		reg := d.registered[id]
		out = append(out, TableEntry{ID: id, Node: reg.node, Status: Status{State: Disconnected, Direction: reg.dir}})
	}
	return out
}

func (d *Discv5) ConnectedPeers() int {
	n := 0
	for _, e := range d.TableEntries() {
		if e.Status.State == Connected {
			n++
		}
	}
	return n
}

func (d *Discv5) Subscribe(ctx context.Context) <-chan Event { return d.eb.subscribe(ctx) }

// Close stops the protocol and closes every subscriber channel.
func (d *Discv5) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	udp, db, cancel := d.udp, d.db, d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	if udp != nil {
		udp.Close()
	}
	d.pings.Wait()
	if db != nil {
		db.Close()
	}
	d.eb.closeAll()
	return nil
}

func (d *Discv5) handleTalk(id enode.ID, addr *net.UDPAddr, msg []byte) []byte {
	d.eb.publish(Event{Kind: EventTalkRequest, ID: id, Addr: addr, Protocol: d.cfg.TalkProtocol, Payload: msg})
	return nil
}

// watch turns table and local record changes into events.
func (d *Discv5) watch(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

func (d *Discv5) poll() {
	d.mu.RLock()
	udp, ln := d.udp, d.ln
	d.mu.RUnlock()
	if udp == nil {
		return
	}
	live := udp.AllNodes()
	now := time.Now()

	var inserted, unanswered []*enode.Node
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	inTable := make(map[enode.ID]struct{}, len(live))
	for _, n := range live {
		inTable[n.ID()] = struct{}{}
		if _, ok := d.seen[n.ID()]; !ok {
			d.seen[n.ID()] = struct{}{}
			inserted = append(inserted, n)
		}
		if _, ok := d.alive[n.ID()]; ok {
			continue
		}
		if last, ok := d.pinged[n.ID()]; ok && now.Sub(last) < d.cfg.PingRetry {
			continue
		}
		d.pinged[n.ID()] = now
		unanswered = append(unanswered, n)
	}
	// nodes evicted from the table must prove themselves again
	for id := range d.alive {
		if _, ok := inTable[id]; !ok {
			delete(d.alive, id)
		}
	}
	ep := endpointOf(ln.Node())
	changed := ep != "" && ep != d.endpoint && len(d.alive) >= d.cfg.PeerUpdateMin
	if changed {
		d.endpoint = ep
	}
	d.pings.Add(len(unanswered))
	d.mu.Unlock()

	for _, n := range inserted {
		d.eb.publish(Event{Kind: EventNodeInserted, Node: n, ID: n.ID()})
	}
	for _, n := range unanswered {
		go d.ping(udp, n)
	}
	if changed {
		addr, err := net.ResolveUDPAddr("udp", ep)
		if err != nil {
			logutil.Debugf(d.log, "socket update %s: %v", ep, err)
			return
		}
		d.eb.publish(Event{Kind: EventSocketUpdated, Node: ln.Node(), Addr: addr})
	}
}

func (d *Discv5) ping(udp *discover.UDPv5, n *enode.Node) {
	defer d.pings.Done()
	if err := udp.Ping(n); err != nil {
		logutil.Debugf(d.log, "ping %s: %v", n.ID().TerminalString(), err)
		d.mu.Lock()
		delete(d.alive, n.ID())
		d.mu.Unlock()
		return
	}
	d.markAlive(n)
}

// markAlive records a node that answered us. The first answer after a
// silence is reported as an established session.
func (d *Discv5) markAlive(n *enode.Node) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	_, known := d.alive[n.ID()]
	d.alive[n.ID()] = struct{}{}
	d.mu.Unlock()
	if !known {
		var addr *net.UDPAddr
		if a, ok := record.UDP4(n); ok {
			addr = a
		} else if a, ok := record.UDP6(n); ok {
			addr = a
		}
		d.eb.publish(Event{Kind: EventSessionEstablished, Node: n, ID: n.ID(), Addr: addr})
	}
}
