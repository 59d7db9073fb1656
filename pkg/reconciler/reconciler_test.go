package reconciler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/registry"
	"github.com/cuemby/tsimd/pkg/types"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/registries", 0o755))
	require.NoError(t, os.MkdirAll(dir+"/locks", 0o755))
	r, err := registry.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPidAliveTrueForSelf(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
}

func TestPidAliveFalseForInvalidPID(t *testing.T) {
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
}

func TestReconcileOrphanedHostsSkipsLiveOwner(t *testing.T) {
	reg := newTestRegistry(t)
	owner := types.OwnerTag{Kind: "executor", PID: os.Getpid()}
	require.NoError(t, reg.RegisterHost("tsim-h-src-run1", "10.0.0.5/24", "b000000000000a", owner))

	r := New(reg, nil, nil, t.TempDir())
	r.reconcileOrphanedHosts()

	hosts, _ := reg.IterateByOwner(owner)
	assert.Len(t, hosts, 1, "a still-alive owner's hosts must not be reclaimed")
}

func TestReconcileOrphanedHostsReclaimsDeadOwner(t *testing.T) {
	reg := newTestRegistry(t)
	owner := types.OwnerTag{Kind: "executor", PID: 999999}
	require.NoError(t, reg.RegisterHost("tsim-h-dst-run2", "10.0.0.6/24", "b000000000000a", owner))

	r := New(reg, nil, nil, t.TempDir())
	r.reconcileOrphanedHosts()

	hosts, _ := reg.IterateByOwner(owner)
	assert.Empty(t, hosts, "a dead owner's hosts must be reclaimed")
}

func TestReconcileArtifactsRemovesAgedOutRunDirs(t *testing.T) {
	runsDir := t.TempDir()
	oldRun := filepath.Join(runsDir, "old-run")
	freshRun := filepath.Join(runsDir, "fresh-run")
	require.NoError(t, os.MkdirAll(oldRun, 0o770))
	require.NoError(t, os.MkdirAll(freshRun, 0o770))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldRun, old, old))

	r := New(nil, nil, nil, runsDir)
	r.reconcileArtifacts()

	_, err := os.Stat(oldRun)
	assert.True(t, os.IsNotExist(err), "aged-out run directory should be removed")

	_, err = os.Stat(freshRun)
	assert.NoError(t, err, "fresh run directory should be kept")
}
