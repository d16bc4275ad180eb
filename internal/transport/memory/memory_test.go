package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/transport"
)

func next(t *testing.T, q *event.Queue) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := q.Next(ctx)
	require.NoError(t, err)
	return evt
}

// TestSendDeliversDecodedFrame verifies the receiver sees the sender identity
// stamped into the header and an intact supplement.
func TestSendDeliversDecodedFrame(t *testing.T) {
	net := NewNetwork()
	qa, qb := event.NewQueue(8), event.NewQueue(8)

	a, err := net.Open("a", transport.Identity{VentureNbr: 3, UnitNbr: 7, RoleNbr: 2}, qa)
	require.NoError(t, err)
	_, err = net.Open("b", transport.Identity{}, qb)
	require.NoError(t, err)

	var tapped []string
	net.AddTap(func(from, to string, msg *mams.Message) {
		tapped = append(tapped, from+">"+to+":"+msg.Type.String())
	})

	ep, err := net.ParseEndpoint("b")
	require.NoError(t, err)
	require.NoError(t, a.Send(ep, mams.CellSpec, 42, []byte{0, 5, 1, 'x'}))

	evt := next(t, qb)
	assert.Equal(t, event.MsgEvt, evt.Kind)
	assert.Equal(t, mams.CellSpec, evt.Msg.Type)
	assert.Equal(t, 3, evt.Msg.VentureNbr)
	assert.Equal(t, 7, evt.Msg.UnitNbr)
	assert.Equal(t, 2, evt.Msg.RoleNbr)
	assert.Equal(t, int32(42), evt.Msg.Memo)
	assert.Equal(t, []byte{0, 5, 1, 'x'}, evt.Msg.Supplement)
	assert.Equal(t, []string{"a>b:cell_spec"}, tapped)
}

// TestOpenBinding verifies address reuse, generated names and unbinding.
func TestOpenBinding(t *testing.T) {
	net := NewNetwork()
	q := event.NewQueue(1)

	a, err := net.Open("a", transport.Identity{}, q)
	require.NoError(t, err)
	_, err = net.Open("a", transport.Identity{}, q)
	assert.ErrorIs(t, err, transport.ErrAddressInUse)

	auto, err := net.Open("", transport.Identity{}, q)
	require.NoError(t, err)
	assert.NotEmpty(t, auto.Endpoint())
	assert.True(t, net.Bound(auto.Endpoint()))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.False(t, net.Bound("a"))
	assert.ErrorIs(t, a.Send(&mams.Endpoint{Name: "x"}, mams.Heartbeat, 0, nil), transport.ErrClosed)

	_, err = net.Open("a", transport.Identity{}, q)
	assert.NoError(t, err)
}

// TestSendFailures verifies unknown destinations and injected faults.
func TestSendFailures(t *testing.T) {
	net := NewNetwork()
	a, err := net.Open("a", transport.Identity{}, event.NewQueue(1))
	require.NoError(t, err)
	_, err = net.Open("b", transport.Identity{}, event.NewQueue(1))
	require.NoError(t, err)

	err = a.Send(&mams.Endpoint{Name: "nowhere"}, mams.Heartbeat, 0, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownEndpoint)

	boom := errors.New("partitioned")
	net.SetFault("b", boom)
	assert.ErrorIs(t, a.Send(&mams.Endpoint{Name: "b"}, mams.Heartbeat, 0, nil), boom)
	net.SetFault("b", nil)
	assert.NoError(t, a.Send(&mams.Endpoint{Name: "b"}, mams.Heartbeat, 0, nil))

	// The receiving queue holds one event; the next push overflows.
	assert.ErrorIs(t, a.Send(&mams.Endpoint{Name: "b"}, mams.Heartbeat, 0, nil), event.ErrQueueFull)

	_, err = net.ParseEndpoint("")
	assert.Error(t, err)
}

// TestBatchFlush verifies best-effort delivery and gating of required sends.
func TestBatchFlush(t *testing.T) {
	net := NewNetwork()
	a, err := net.Open("a", transport.Identity{}, event.NewQueue(1))
	require.NoError(t, err)
	qb := event.NewQueue(8)
	_, err = net.Open("b", transport.Identity{}, qb)
	require.NoError(t, err)

	b := &mams.Endpoint{Name: "b"}
	gone := &mams.Endpoint{Name: "gone"}

	var batch transport.Batch
	batch.Add(gone, mams.Heartbeat, 1, nil)
	batch.Add(b, mams.Heartbeat, 2, nil)
	assert.Equal(t, 2, batch.Len())

	var failed []int32
	err = batch.Flush(a, func(d transport.Delivery, err error) { failed = append(failed, d.Memo) })
	assert.ErrorIs(t, err, transport.ErrUnknownEndpoint)
	assert.Equal(t, []int32{1}, failed)
	assert.Equal(t, 0, batch.Len())
	assert.Equal(t, int32(2), next(t, qb).Msg.Memo)

	undone := false
	batch.AddRequired(gone, mams.YouAreIn, 3, nil, func() { undone = true })
	batch.Add(b, mams.IAmStarting, 4, nil)
	err = batch.Flush(a, nil)
	assert.Error(t, err)
	assert.True(t, undone)
	assert.Equal(t, 0, qb.Len())
}
