package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amsd/internal/configserver"
	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/mams"
	"github.com/dreamware/amsd/internal/registrar"
	"github.com/dreamware/amsd/internal/topology"
	"github.com/dreamware/amsd/internal/transport"
	"github.com/dreamware/amsd/internal/transport/memory"
)

// fakeEngine records lifecycle calls into a shared journal.
type fakeEngine struct {
	journal  *journal
	name     string
	startErr error
	running  bool
	starts   int
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (e *fakeEngine) Start() error {
	e.journal.mu.Lock()
	defer e.journal.mu.Unlock()
	e.journal.entries = append(e.journal.entries, "start "+e.name)
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	e.starts++
	return nil
}

func (e *fakeEngine) Stop() {
	e.journal.mu.Lock()
	defer e.journal.mu.Unlock()
	e.journal.entries = append(e.journal.entries, "stop "+e.name)
	e.running = false
}

func (e *fakeEngine) Running() bool {
	e.journal.mu.Lock()
	defer e.journal.mu.Unlock()
	return e.running
}

func (e *fakeEngine) crash() {
	e.journal.mu.Lock()
	defer e.journal.mu.Unlock()
	e.running = false
}

func (e *fakeEngine) startCount() int {
	e.journal.mu.Lock()
	defer e.journal.mu.Unlock()
	return e.starts
}

// TestSupervisorLifecycle verifies start order, restart of a stopped engine
// and shutdown order.
func TestSupervisorLifecycle(t *testing.T) {
	j := &journal{}
	cs := &fakeEngine{journal: j, name: "cs"}
	rs := &fakeEngine{journal: j, name: "rs"}
	sup := New(Config{CS: cs, RS: rs, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return rs.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"start cs", "start rs"}, j.list())

	rs.crash()
	require.Eventually(t, func() bool { return rs.startCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, cs.startCount())

	cancel()
	require.NoError(t, <-done)
	entries := j.list()
	assert.Equal(t, []string{"stop cs", "stop rs"}, entries[len(entries)-2:])
}

// TestSupervisorStartFailure verifies a failed first start is fatal and
// leaves nothing running.
func TestSupervisorStartFailure(t *testing.T) {
	j := &journal{}
	cs := &fakeEngine{journal: j, name: "cs"}
	rs := &fakeEngine{journal: j, name: "rs", startErr: errors.New("no such unit")}

	err := New(Config{CS: cs, RS: rs}).Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "start registrar")
	assert.False(t, cs.Running())
	assert.Equal(t, []string{"start cs", "start rs", "stop cs", "stop rs"}, j.list())
}

// TestSupervisorCSOnly verifies a nil registrar is simply not required.
func TestSupervisorCSOnly(t *testing.T) {
	j := &journal{}
	cs := &fakeEngine{journal: j, name: "cs"}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, New(Config{CS: cs, Interval: time.Millisecond}).Run(ctx))
	assert.Equal(t, "start cs", j.list()[0])
	assert.False(t, cs.Running())
}

const testCatalog = `
cs_endpoints: [cs1, cs2]
ventures:
  - nbr: 1
    application: app
    authority: auth
    roles: [{nbr: 1, name: worker}]
    units: [{nbr: 1, name: alpha}]
`

// TestSupervisorRestartsYieldedCS verifies a standby CS that yielded to a
// higher-priority server is brought back on the next supervision tick.
func TestSupervisorRestartsYieldedCS(t *testing.T) {
	net := memory.NewNetwork()
	cat, err := topology.ParseCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)
	topo, err := cat.Build(net.ParseEndpoint)
	require.NoError(t, err)

	cs := configserver.New(configserver.Config{
		Topology: topo, Transport: net, EndpointSpec: "cs2", HeartbeatInterval: time.Hour,
	})
	rs := registrar.New(registrar.Config{
		Topology: topo, Transport: net, AppName: "app", AuthorityName: "auth", UnitName: "alpha",
		EndpointSpec: "rs1", HeartbeatInterval: time.Hour,
	})
	primary, err := net.Open("cs1", transport.Identity{}, event.NewQueue(64))
	require.NoError(t, err)
	defer primary.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(Config{CS: cs, RS: rs, Interval: 10 * time.Millisecond}).Run(ctx)
	}()
	require.Eventually(t, func() bool { return cs.Running() && rs.Running() }, time.Second, time.Millisecond)

	firstRun := cs.Done()
	require.NoError(t, primary.Send(&mams.Endpoint{Name: "cs2"}, mams.IAmRunning, 0, nil))
	<-firstRun
	require.Eventually(t, cs.Running, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, cs.Running())
	assert.False(t, rs.Running())
	assert.False(t, net.Bound("cs2"))
	assert.False(t, net.Bound("rs1"))
}
