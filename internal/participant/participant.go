// Package participant is the node side of the control plane: it locates the
// registrar of its unit through a configuration server, registers, answers
// registrar heartbeats and keeps a roster of the venture's other nodes.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/heartbeat"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/transport"
)

var (
	// ErrRejected wraps a registration refused for a reason other than
	// NoCensusYet.
	ErrRejected = errors.New("participant: registration rejected")
	// ErrDead is returned once the registrar has declared the node dead.
	ErrDead = errors.New("participant: declared dead by registrar")
	// ErrNotJoined is returned by operations that need a node number.
	ErrNotJoined = errors.New("participant: not joined")
	// ErrNoCS is returned when no configuration server endpoint is known.
	ErrNoCS = errors.New("participant: no configuration server endpoints")
)

// Config identifies the node and how it reaches the control plane.
type Config struct {
	Transport transport.Service
	Logger    *zap.Logger

	// CSEndpoints is the configuration server failover chain.
	CSEndpoints []string

	VentureNbr int
	UnitNbr    int
	RoleNbr    int

	// EndpointSpec is the node's own endpoint; empty lets the transport
	// choose.
	EndpointSpec string

	// RetryInterval spaces queries and registrations; defaults to 1s.
	RetryInterval time.Duration

	// RegistrarTimeout is the silence after which the node assumes its
	// registrar restarted and reconnects; zero disables the watchdog.
	RegistrarTimeout time.Duration

	QueueDepth int
}

// Peer is another node known from membership announcements.
type Peer struct {
	RoleNbr  int
	UnitNbr  int
	NodeNbr  int
	Endpoint string
}

// Node is one participant.
type Node struct {
	cfg     Config
	log     *zap.Logger
	ifc     transport.Interface
	q       *event.Queue
	replies chan *mams.Message
	dead    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group

	closeOnce sync.Once

	memo      atomic.Int32
	lastHeard atomic.Int64

	mu        sync.Mutex
	registrar *mams.Endpoint
	nodeNbr   int
	roster    map[int32]Peer
	isDead    bool
}

// New returns a node that has not yet joined.
func New(cfg Config) *Node {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Node{
		cfg:     cfg,
		log:     log.With(zap.String("component", "participant")),
		replies: make(chan *mams.Message, 16),
		dead:    make(chan struct{}),
		roster:  make(map[int32]Peer),
	}
}

// Join opens the node's endpoint, locates its registrar and registers,
// retrying while the registrar is still taking its census.
func (n *Node) Join(ctx context.Context) error {
	if err := n.open(); err != nil {
		return err
	}
	rs, err := n.locate(ctx)
	if err != nil {
		return err
	}
	supp, err := mams.Registration{Endpoint: n.ifc.Endpoint()}.Encode()
	if err != nil {
		return err
	}

	for {
		memo := n.memo.Add(1)
		if err := n.ifc.Send(rs, mams.NodeRegistration, memo, supp); err != nil {
			n.log.Warn("registration send failed", zap.Stringer("registrar", rs), zap.Error(err))
		}
		reply, err := n.await(ctx, memo, mams.YouAreIn, mams.Rejection)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			continue
		case err != nil:
			return err
		}

		if reply.Type == mams.YouAreIn {
			nbr, err := mams.ParseNodeNbr(reply.Supplement)
			if err != nil {
				return err
			}
			n.mu.Lock()
			n.registrar = rs
			n.nodeNbr = nbr
			n.mu.Unlock()
			n.lastHeard.Store(time.Now().UnixNano())
			n.log.Info("joined", zap.Int("node", nbr), zap.Stringer("registrar", rs))
			return nil
		}

		reason, err := mams.ParseRejection(reply.Supplement)
		if err != nil {
			return err
		}
		if reason != mams.ReasonNoCensusYet {
			return fmt.Errorf("%w: %s", ErrRejected, reason)
		}
		if err := sleep(ctx, n.cfg.RetryInterval); err != nil {
			return err
		}
	}
}

// Reconnect re-locates the registrar and reclaims the node's slot after a
// registrar restart.
func (n *Node) Reconnect(ctx context.Context) error {
	n.mu.Lock()
	nbr := n.nodeNbr
	n.mu.Unlock()
	if nbr == 0 {
		return ErrNotJoined
	}
	rs, err := n.locate(ctx)
	if err != nil {
		return err
	}
	supp, err := mams.ReconnectRequest{
		NodeNbr:  nbr,
		Endpoint: n.ifc.Endpoint(),
		Census:   n.census(),
	}.Encode()
	if err != nil {
		return err
	}

	memo := n.memo.Add(1)
	if err := n.ifc.Send(rs, mams.Reconnect, memo, supp); err != nil {
		return fmt.Errorf("send reconnect: %w", err)
	}
	if _, err := n.await(ctx, memo, mams.Reconnected); err != nil {
		return err
	}
	n.mu.Lock()
	n.registrar = rs
	n.mu.Unlock()
	n.lastHeard.Store(time.Now().UnixNano())
	n.log.Info("reconnected", zap.Int("node", nbr), zap.Stringer("registrar", rs))
	return nil
}

// Leave announces the node's departure and closes it.
func (n *Node) Leave() error {
	n.mu.Lock()
	rs, nbr := n.registrar, n.nodeNbr
	n.mu.Unlock()
	var err error
	if rs != nil && nbr != 0 {
		id := mams.NodeID(n.cfg.RoleNbr, n.cfg.UnitNbr, nbr)
		err = n.ifc.Send(rs, mams.IAmStopping, id, nil)
	}
	n.Close()
	return err
}

// Close stops the node without announcing it.
func (n *Node) Close() {
	if n.cancel == nil {
		return
	}
	n.closeOnce.Do(func() {
		n.cancel()
		n.q.Close()
		if err := n.ifc.Close(); err != nil {
			n.log.Debug("closing endpoint", zap.Error(err))
		}
		_ = n.group.Wait()
	})
}

// NodeNbr returns the assigned node number, or 0 before joining.
func (n *Node) NodeNbr() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodeNbr
}

// Endpoint returns the node's own endpoint name.
func (n *Node) Endpoint() string {
	if n.ifc == nil {
		return ""
	}
	return n.ifc.Endpoint()
}

// Dead is closed when the registrar declares the node dead.
func (n *Node) Dead() <-chan struct{} {
	return n.dead
}

// Peers returns the roster ordered by unit and node number.
func (n *Node) Peers() []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]Peer, 0, len(n.roster))
	for _, p := range n.roster {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].UnitNbr != peers[j].UnitNbr {
			return peers[i].UnitNbr < peers[j].UnitNbr
		}
		return peers[i].NodeNbr < peers[j].NodeNbr
	})
	return peers
}

func (n *Node) open() error {
	if n.ifc != nil {
		return nil
	}
	q := event.NewQueue(n.cfg.QueueDepth)
	id := transport.Identity{VentureNbr: n.cfg.VentureNbr, UnitNbr: n.cfg.UnitNbr, RoleNbr: n.cfg.RoleNbr}
	ifc, err := n.cfg.Transport.Open(n.cfg.EndpointSpec, id, q)
	if err != nil {
		q.Close()
		return fmt.Errorf("open node endpoint: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.q, n.ifc, n.cancel = q, ifc, cancel
	n.group, ctx = errgroup.WithContext(ctx)
	n.group.Go(func() error { return n.receive(ctx) })
	if n.cfg.RegistrarTimeout > 0 {
		n.group.Go(func() error { return n.watch(ctx) })
	}
	return nil
}

// locate asks the configuration servers in turn which registrar serves the
// node's unit.
func (n *Node) locate(ctx context.Context) (*mams.Endpoint, error) {
	if len(n.cfg.CSEndpoints) == 0 {
		return nil, ErrNoCS
	}
	query, err := mams.EncodeEndpoint(n.ifc.Endpoint())
	if err != nil {
		return nil, err
	}
	for i := 0; ; i++ {
		cs, err := n.cfg.Transport.ParseEndpoint(n.cfg.CSEndpoints[i%len(n.cfg.CSEndpoints)])
		if err != nil {
			return nil, err
		}
		memo := n.memo.Add(1)
		if err := n.ifc.Send(cs, mams.RegistrarQuery, memo, query); err != nil {
			n.log.Debug("registrar query failed", zap.Stringer("cs", cs), zap.Error(err))
			if err := sleep(ctx, n.cfg.RetryInterval); err != nil {
				return nil, err
			}
			continue
		}

		reply, err := n.await(ctx, memo, mams.CellSpec, mams.RegistrarUnknown)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			continue
		case err != nil:
			return nil, err
		}
		if reply.Type == mams.CellSpec {
			unit, name, err := mams.ParseCellSpec(reply.Supplement)
			if err == nil && unit == n.cfg.UnitNbr {
				return n.cfg.Transport.ParseEndpoint(name)
			}
		}
		if err := sleep(ctx, n.cfg.RetryInterval); err != nil {
			return nil, err
		}
	}
}

// await waits up to RetryInterval for a reply of one of types carrying memo.
// A you_are_dead from the registrar ends the wait with ErrDead.
func (n *Node) await(ctx context.Context, memo int32, types ...mams.PduType) (*mams.Message, error) {
	timer := time.NewTimer(n.cfg.RetryInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, context.DeadlineExceeded
		case <-n.dead:
			return nil, ErrDead
		case msg := <-n.replies:
			if msg.Memo != memo {
				continue
			}
			for _, t := range types {
				if msg.Type == t {
					return msg, nil
				}
			}
		}
	}
}

func (n *Node) receive(ctx context.Context) error {
	for {
		evt, err := n.q.Next(ctx)
		if err != nil {
			return nil
		}
		if evt.Kind == event.MsgEvt {
			n.handle(evt.Msg)
		}
	}
}

func (n *Node) handle(msg *mams.Message) {
	switch msg.Type {
	case mams.Heartbeat:
		n.lastHeard.Store(time.Now().UnixNano())
		n.mu.Lock()
		rs, nbr := n.registrar, n.nodeNbr
		n.mu.Unlock()
		if rs == nil || nbr == 0 {
			return
		}
		if err := n.ifc.Send(rs, mams.Heartbeat, int32(nbr), nil); err != nil {
			n.log.Debug("heartbeat reply failed", zap.Error(err))
		}
	case mams.IAmStarting:
		n.noteStarting(msg)
	case mams.IAmStopping:
		n.noteStopping(msg)
	case mams.CellStatus:
		n.reconcile(msg)
	case mams.YouAreDead:
		n.mu.Lock()
		defer n.mu.Unlock()
		if !n.isDead {
			n.isDead = true
			close(n.dead)
			n.log.Warn("declared dead by registrar", zap.Int("node", n.nodeNbr))
		}
	case mams.CellSpec, mams.RegistrarUnknown, mams.YouAreIn, mams.Rejection, mams.Reconnected:
		select {
		case n.replies <- msg:
		default:
			n.log.Debug("dropping unsolicited reply", zap.Stringer("pdu", msg.Type))
		}
	default:
		n.log.Debug("ignoring message", zap.Stringer("pdu", msg.Type))
	}
}

func (n *Node) noteStarting(msg *mams.Message) {
	role, unit, nbr, err := mams.ParseNodeID(msg.Memo)
	if err != nil {
		return
	}
	peer := Peer{RoleNbr: role, UnitNbr: unit, NodeNbr: nbr}
	if reg, err := mams.ParseRegistration(msg.Supplement); err == nil {
		peer.Endpoint = reg.Endpoint
	}
	n.mu.Lock()
	n.forgetLocked(unit, nbr)
	n.roster[msg.Memo] = peer
	n.mu.Unlock()
	n.log.Debug("peer started", zap.Int("unit", unit), zap.Int("node", nbr))
}

func (n *Node) noteStopping(msg *mams.Message) {
	_, unit, nbr, err := mams.ParseNodeID(msg.Memo)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forgetLocked(unit, nbr)
}

// forgetLocked removes every roster entry for the node in slot nbr of unit.
func (n *Node) forgetLocked(unit, nbr int) {
	for id, p := range n.roster {
		if p.UnitNbr == unit && p.NodeNbr == nbr {
			delete(n.roster, id)
		}
	}
}

// reconcile makes the roster's view of a unit match its census: entries the
// census no longer lists are dropped and listed nodes not yet known are
// added without role or endpoint. A node only hears I_am_starting for nodes
// that join after it, so the census is how it learns of earlier members.
func (n *Node) reconcile(msg *mams.Message) {
	unit := int((uint32(msg.Memo) >> 8) & 0xffff)
	census, err := mams.ParseCensus(msg.Supplement, 0)
	if err != nil {
		return
	}
	present := make(map[int]bool, len(census))
	for _, nbr := range census {
		if nbr >= 1 && nbr <= mams.MaxNodeNbr {
			present[nbr] = true
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, p := range n.roster {
		if p.UnitNbr != unit {
			continue
		}
		if present[p.NodeNbr] {
			delete(present, p.NodeNbr)
			continue
		}
		delete(n.roster, id)
	}
	for nbr := range present {
		if unit == n.cfg.UnitNbr && nbr == n.nodeNbr {
			continue
		}
		n.roster[mams.NodeID(0, unit, nbr)] = Peer{UnitNbr: unit, NodeNbr: nbr}
	}
}

// census lists the node numbers of the node's own cell as it knows them.
// Without periodic cell_status from the registrar it may omit members that
// joined before this node, and a registrar seeded from it will refuse them.
func (n *Node) census() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	nbrs := []int{n.nodeNbr}
	for _, p := range n.roster {
		if p.UnitNbr == n.cfg.UnitNbr && p.NodeNbr != n.nodeNbr {
			nbrs = append(nbrs, p.NodeNbr)
		}
	}
	sort.Ints(nbrs)
	return nbrs
}

// watch reconnects when the registrar has been silent for RegistrarTimeout.
func (n *Node) watch(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.RegistrarTimeout / heartbeat.MaxMissed)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.dead:
			return nil
		case <-ticker.C:
		}
		if n.NodeNbr() == 0 {
			continue
		}
		silent := time.Since(time.Unix(0, n.lastHeard.Load()))
		if silent < n.cfg.RegistrarTimeout {
			continue
		}
		n.log.Warn("registrar silent; reconnecting", zap.Duration("silent", silent))
		if err := n.Reconnect(ctx); err != nil {
			n.log.Warn("reconnect failed", zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
