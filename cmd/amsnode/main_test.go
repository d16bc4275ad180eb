package main

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amsd/internal/topology"
)

const testCatalog = `
cs_endpoints: ["cs1:2357", "cs2:2357"]
ventures:
  - nbr: 3
    application: amsdemo
    authority: test
    roles: [{nbr: 1, name: shell}, {nbr: 2, name: log}]
    units: [{nbr: 4, name: ground}]
`

// TestResolve verifies catalogued names map to their numbers.
func TestResolve(t *testing.T) {
	cat, err := topology.ParseCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)

	tests := []struct {
		name    string
		opts    options
		want    identity
		wantErr string
	}{
		{
			name: "named unit",
			opts: options{app: "amsdemo", authority: "test", unit: "ground", role: "log"},
			want: identity{venture: 3, unit: 4, role: 2, csEndpoints: []string{"cs1:2357", "cs2:2357"}},
		},
		{
			name: "root unit",
			opts: options{app: "amsdemo", authority: "test", role: "shell"},
			want: identity{venture: 3, unit: 0, role: 1, csEndpoints: []string{"cs1:2357", "cs2:2357"}},
		},
		{
			name:    "unknown venture",
			opts:    options{app: "amsdemo", authority: "prod", role: "shell"},
			wantErr: "venture",
		},
		{
			name:    "unknown unit",
			opts:    options{app: "amsdemo", authority: "test", unit: "orbit", role: "shell"},
			wantErr: "unit",
		},
		{
			name:    "unknown role",
			opts:    options{app: "amsdemo", authority: "test", role: "pilot"},
			wantErr: "role",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolve(cat, tt.opts)
			if tt.wantErr != "" {
				assert.ErrorIs(t, err, errUnknownName)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestRunMissingCatalog verifies a missing catalog is reported before any
// network activity.
func TestRunMissingCatalog(t *testing.T) {
	err := run(context.Background(), options{
		catalog:  filepath.Join(t.TempDir(), "missing.yaml"),
		logLevel: "error",
	})
	assert.Error(t, err)
}

// TestRequiredFlags verifies the command refuses to run without its
// identity flags.
func TestRequiredFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--catalog", "c.yaml"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}
