// Package configserver provides the configuration server engine.
// This file contains tests for the server lifecycle and its handlers.
package configserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amsd/internal/engine"
	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport"
	"github.com/dreamware/amsd/internal/transport/memory"
)

const testCatalog = `
cs_endpoints: [cs1, cs2]
ventures:
  - nbr: 1
    application: app
    authority: auth
    roles: [{nbr: 1, name: worker}]
    units:
      - {nbr: 1, name: alpha}
      - {nbr: 2, name: beta}
`

type peer struct {
	ifc transport.Interface
	q   *event.Queue
}

func newTopology(t *testing.T, net *memory.Network) *topology.Topology {
	t.Helper()
	cat, err := topology.ParseCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)
	topo, err := cat.Build(net.ParseEndpoint)
	require.NoError(t, err)
	return topo
}

func newServer(t *testing.T, net *memory.Network, topo *topology.Topology, spec string) *Server {
	t.Helper()
	srv := New(Config{
		Topology:          topo,
		Transport:         net,
		EndpointSpec:      spec,
		HeartbeatInterval: time.Hour,
	})
	t.Cleanup(srv.Stop)
	return srv
}

// startServer starts a CS at spec and waits for its first heartbeat cycle.
func startServer(t *testing.T, net *memory.Network, topo *topology.Topology, spec string) *Server {
	t.Helper()
	srv := newServer(t, net, topo, spec)
	require.NoError(t, srv.Start())
	require.Eventually(t, func() bool { return srv.hb.Cycles() >= 1 }, time.Second, time.Millisecond)
	return srv
}

func openPeer(t *testing.T, net *memory.Network, name string, unit int) *peer {
	t.Helper()
	q := event.NewQueue(64)
	ifc, err := net.Open(name, transport.Identity{VentureNbr: 1, UnitNbr: unit}, q)
	require.NoError(t, err)
	t.Cleanup(func() { ifc.Close() })
	return &peer{ifc: ifc, q: q}
}

func (p *peer) send(t *testing.T, to string, typ mams.PduType, memo int32, supp []byte) {
	t.Helper()
	require.NoError(t, p.ifc.Send(&mams.Endpoint{Name: to}, typ, memo, supp))
}

func (p *peer) announce(t *testing.T, memo int32) {
	t.Helper()
	supp, err := mams.EncodeEndpoint(p.ifc.Endpoint())
	require.NoError(t, err)
	p.send(t, "cs1", mams.AnnounceRegistrar, memo, supp)
}

func (p *peer) expect(t *testing.T, typ mams.PduType) *mams.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := p.q.Next(ctx)
	require.NoError(t, err, "waiting for %s", typ)
	require.Equal(t, typ, evt.Msg.Type)
	return evt.Msg
}

func (p *peer) expectCellSpec(t *testing.T, unit int, ept string) *mams.Message {
	t.Helper()
	msg := p.expect(t, mams.CellSpec)
	gotUnit, gotEpt, err := mams.ParseCellSpec(msg.Supplement)
	require.NoError(t, err)
	assert.Equal(t, unit, gotUnit)
	assert.Equal(t, ept, gotEpt)
	return msg
}

func (p *peer) expectNone(t *testing.T) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, p.q.Len())
}

// TestAnnounceSelfEcho verifies the first registrar of a venture is noted
// and then sent its own cell spec.
func TestAnnounceSelfEcho(t *testing.T) {
	net := memory.NewNetwork()
	startServer(t, net, newTopology(t, net), "cs1")
	rs := openPeer(t, net, "rs2", 2)

	rs.announce(t, 7)

	noted := rs.expect(t, mams.RegistrarNoted)
	assert.Equal(t, int32(7), noted.Memo)
	assert.Equal(t, 0, noted.VentureNbr)
	rs.expectCellSpec(t, 2, "rs2")
	rs.expectNone(t)
}

// TestAnnounceExchangesPeerSpecs verifies registrars learn about each other
// when a second one announces.
func TestAnnounceExchangesPeerSpecs(t *testing.T) {
	net := memory.NewNetwork()
	startServer(t, net, newTopology(t, net), "cs1")
	rs1 := openPeer(t, net, "rs1", 1)
	rs2 := openPeer(t, net, "rs2", 2)

	rs1.announce(t, 1)
	rs1.expect(t, mams.RegistrarNoted)
	rs1.expectCellSpec(t, 1, "rs1")

	rs2.announce(t, 2)
	rs2.expect(t, mams.RegistrarNoted)
	rs2.expectCellSpec(t, 1, "rs1")
	rs2.expectNone(t)

	rs1.expectCellSpec(t, 2, "rs2")
	rs1.expectNone(t)
}

// TestAnnounceRejections verifies Duplicate and NoSuchUnit rejections, the
// re-announcement exemption and silent drops.
func TestAnnounceRejections(t *testing.T) {
	net := memory.NewNetwork()
	topo := newTopology(t, net)
	startServer(t, net, topo, "cs1")
	rs := openPeer(t, net, "rs2", 2)
	rival := openPeer(t, net, "rs2b", 2)
	stray := openPeer(t, net, "rs9", 9)

	rs.announce(t, 1)
	rs.expect(t, mams.RegistrarNoted)
	rs.expectCellSpec(t, 2, "rs2")

	rival.announce(t, 5)
	rej := rival.expect(t, mams.Rejection)
	assert.Equal(t, int32(5), rej.Memo)
	reason, err := mams.ParseRejection(rej.Supplement)
	require.NoError(t, err)
	assert.Equal(t, mams.ReasonDuplicate, reason)

	stray.announce(t, 6)
	rej = stray.expect(t, mams.Rejection)
	reason, err = mams.ParseRejection(rej.Supplement)
	require.NoError(t, err)
	assert.Equal(t, mams.ReasonNoSuchUnit, reason)

	// Re-announcement by the bound registrar is confirmed.
	rs.announce(t, 8)
	assert.Equal(t, int32(8), rs.expect(t, mams.RegistrarNoted).Memo)
	rs.expectCellSpec(t, 2, "rs2")

	// Unparseable supplements and endpoints get no reply.
	rival.send(t, "cs1", mams.AnnounceRegistrar, 0, []byte{9, 'x'})
	rival.send(t, "cs1", mams.AnnounceRegistrar, 0, []byte{0})
	rival.expectNone(t)

	topo.RLock()
	assert.Equal(t, "rs2", topo.Venture(1).Unit(2).Cell.Endpoint.Name)
	topo.RUnlock()
}

// TestRegistrarQuery verifies queries are answered from the current binding
// and carry the query's memo.
func TestRegistrarQuery(t *testing.T) {
	net := memory.NewNetwork()
	startServer(t, net, newTopology(t, net), "cs1")
	node := openPeer(t, net, "node", 2)
	rs := openPeer(t, net, "rs2", 2)

	query, err := mams.EncodeEndpoint("node")
	require.NoError(t, err)

	node.send(t, "cs1", mams.RegistrarQuery, 11, query)
	assert.Equal(t, int32(11), node.expect(t, mams.RegistrarUnknown).Memo)

	rs.announce(t, 0)
	rs.expect(t, mams.RegistrarNoted)

	node.send(t, "cs1", mams.RegistrarQuery, 12, query)
	assert.Equal(t, int32(12), node.expectCellSpec(t, 2, "rs2").Memo)
}

// TestRegistrarExpiry verifies a registrar is forgotten after three
// unanswered heartbeats and kept while it answers.
func TestRegistrarExpiry(t *testing.T) {
	net := memory.NewNetwork()
	topo := newTopology(t, net)
	srv := startServer(t, net, topo, "cs1")
	rs := openPeer(t, net, "rs2", 2)

	rs.announce(t, 0)
	rs.expect(t, mams.RegistrarNoted)
	rs.expectCellSpec(t, 2, "rs2")

	bound := func() bool {
		topo.RLock()
		defer topo.RUnlock()
		return topo.Venture(1).Unit(2).Cell.Endpoint != nil
	}

	// Answering keeps the binding alive indefinitely.
	for i := 0; i < 5; i++ {
		srv.heartbeatCycle()
		rs.expect(t, mams.Heartbeat)
		rs.send(t, "cs1", mams.Heartbeat, 0, nil)
		require.Eventually(t, func() bool {
			topo.RLock()
			defer topo.RUnlock()
			return topo.Venture(1).Unit(2).Cell.HeartbeatsMissed == 0
		}, time.Second, time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		srv.heartbeatCycle()
		rs.expect(t, mams.Heartbeat)
	}
	assert.True(t, bound())

	srv.heartbeatCycle()
	rs.expectNone(t)
	assert.False(t, bound())
}

// TestPrimacyAssertion verifies I_am_running goes down the failover chain on
// the first cycle and every sixth cycle after it.
func TestPrimacyAssertion(t *testing.T) {
	net := memory.NewNetwork()
	srv := startServer(t, net, newTopology(t, net), "cs1")

	standby := openPeer(t, net, "cs2", 0)
	for cycle := 2; cycle <= 13; cycle++ {
		srv.heartbeatCycle()
		if cycle == 7 || cycle == 13 {
			standby.expect(t, mams.IAmRunning)
		}
		standby.expectNone(t)
	}
}

// TestYieldOnIAmRunning verifies a CS stops itself when told a higher
// priority server is running.
func TestYieldOnIAmRunning(t *testing.T) {
	net := memory.NewNetwork()
	srv := startServer(t, net, newTopology(t, net), "cs2")
	primary := openPeer(t, net, "cs1", 0)

	primary.send(t, "cs2", mams.IAmRunning, 0, nil)

	require.Eventually(t, func() bool { return !srv.Running() }, time.Second, time.Millisecond)
	<-srv.Done()
	assert.Equal(t, engine.Stopped, srv.State())
	assert.False(t, net.Bound("cs2"))
	primary.expectNone(t)

	require.NoError(t, srv.Start())
	assert.True(t, srv.Running())
}

// TestFailoverChainDemotesLowerPriority verifies two live servers converge on
// the higher-priority one.
func TestFailoverChainDemotesLowerPriority(t *testing.T) {
	net := memory.NewNetwork()
	topo := newTopology(t, net)
	standby := startServer(t, net, topo, "cs2")
	primary := startServer(t, net, topo, "cs1")

	require.Eventually(t, func() bool { return !standby.Running() }, time.Second, time.Millisecond)
	assert.True(t, primary.Running())
}

// TestStartErrors verifies an uncatalogued endpoint and double start fail.
func TestStartErrors(t *testing.T) {
	net := memory.NewNetwork()
	topo := newTopology(t, net)

	srv := newServer(t, net, topo, "cs9")
	assert.ErrorIs(t, srv.Start(), ErrNoMatchingEndpoint)
	assert.Equal(t, engine.Stopped, srv.State())
	assert.False(t, net.Bound("cs9"))

	srv = newServer(t, net, topo, "cs1")
	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), engine.ErrAlreadyStarted)
	assert.Equal(t, "cs1", srv.Endpoint())

	srv.Stop()
	assert.False(t, srv.Running())
	srv.Stop()
	require.NoError(t, srv.Start())
}
