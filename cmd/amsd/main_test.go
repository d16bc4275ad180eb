package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amsd/internal/config"
	"github.com/dreamware/amsd/internal/metrics"
	"github.com/dreamware/amsd/internal/transport/memory"
)

const testCatalog = `
cs_endpoints: ["127.0.0.1:1"]
ventures:
  - nbr: 1
    application: amsdemo
    authority: test
    roles: [{nbr: 1, name: shell}]
    units: [{nbr: 1, name: ground}]
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))
	return path
}

// TestRootCmdRequiresCatalog verifies configuration errors surface from
// Execute.
func TestRootCmdRequiresCatalog(t *testing.T) {
	t.Setenv("AMSD_CATALOG", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--cs", "127.0.0.1:2357"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	assert.ErrorIs(t, cmd.Execute(), config.ErrNoCatalog)
}

// TestRunRegistrarOnly verifies the daemon runs a registrar until its
// context ends.
func TestRunRegistrarOnly(t *testing.T) {
	cfg := &config.Config{
		Catalog:           writeCatalog(t),
		CSSpec:            config.NoneSpec,
		AppName:           "amsdemo",
		AuthorityName:     "test",
		UnitName:          "ground",
		RSSpec:            "127.0.0.1:0",
		HeartbeatInterval: 10 * time.Millisecond,
		LogLevel:          "error",
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, cfg))
}

// TestRunFailsOnBadSetup verifies missing catalogs and unknown cells are
// reported.
func TestRunFailsOnBadSetup(t *testing.T) {
	cfg := &config.Config{Catalog: filepath.Join(t.TempDir(), "missing.yaml"), CSSpec: "127.0.0.1:0"}
	require.NoError(t, cfg.Validate())
	assert.Error(t, run(context.Background(), cfg))

	cfg = &config.Config{
		Catalog:       writeCatalog(t),
		CSSpec:        config.NoneSpec,
		AppName:       "amsdemo",
		AuthorityName: "test",
		UnitName:      "orbit",
		RSSpec:        "127.0.0.1:0",
		LogLevel:      "error",
	}
	require.NoError(t, cfg.Validate())
	err := run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start registrar")
}

// TestNewEngines verifies only the configured engines are built.
func TestNewEngines(t *testing.T) {
	net := memory.NewNetwork()
	cfg := &config.Config{Catalog: "c", CSSpec: "cs1"}
	require.NoError(t, cfg.Validate())

	dc := newEngines(cfg, nil, net, nil, nil)
	assert.NotNil(t, dc.CS)
	assert.Nil(t, dc.RS)
	assert.Equal(t, config.DefaultSupervisorInterval, dc.Interval)
}

// TestNewMux verifies the metrics and health endpoints.
func TestNewMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewRecorder(reg).ObserveNodeDead()
	mux := newMux(reg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "amsd_")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
