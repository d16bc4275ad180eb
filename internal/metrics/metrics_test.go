package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecorderCounts verifies observations reach the registered collectors.
func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveReceived(EngineCS, "heartbeat")
	r.ObserveReceived(EngineCS, "heartbeat")
	r.ObserveRejection(EngineRS, "Cell full")
	r.ObserveNodeDead()
	r.SetBoundRegistrars(3)
	r.SetCellNodes("app(auth)", "1", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.received.WithLabelValues(EngineCS, "heartbeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejections.WithLabelValues(EngineRS, "Cell full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodesDead))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.registrars))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.nodes.WithLabelValues("app(auth)", "1")))
}

// TestNilRecorder verifies a nil recorder is safe to use.
func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveReceived(EngineCS, "x")
		r.ObserveSent(EngineCS, "x")
		r.ObserveSendFailure(EngineCS, "x")
		r.ObserveDropped(EngineRS)
		r.ObserveStop(EngineRS, "Stopped")
		r.ObserveCSLost()
		r.ObserveRegistrarExpired()
		r.ObserveHeartbeatCycle(EngineRS)
		r.SetCellNodes("v", "u", 1)
	})
}

// TestHandler verifies the exposition endpoint serves recorded series.
func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRecorder(reg).ObserveCSLost()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "amsd_cs_contact_lost_total 1")
}
