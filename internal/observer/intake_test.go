package observer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	"github.com/hochfrequenz/agent-task-coordinator/internal/taskstore"
)

func TestIngestCreatesTask(t *testing.T) {
	dir := t.TempDir()
	store := taskstore.NewMemory()

	w, err := NewIntakeWatcher(store, nil, dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "fix-payouts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
direction: Fix the payout rounding error
type: heal
context:
  estimated_cost_usd: 0.5
`), 0o644))

	require.NoError(t, w.Ingest(path))

	tasks, total, err := store.ListTasks(taskstore.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, domain.TypeHeal, tasks[0].Type)
	assert.Equal(t, "Fix the payout rounding error", tasks[0].Direction)

	// Renamed out of the way so it is not ingested twice
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".done")
	assert.NoError(t, err)
}

func TestIngestRejectsInvalidTask(t *testing.T) {
	dir := t.TempDir()
	store := taskstore.NewMemory()

	w, err := NewIntakeWatcher(store, nil, dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("type: impl\n"), 0o644))

	assert.Error(t, w.Ingest(path), "missing direction must be rejected")
}

func TestIngestExistingOnStartup(t *testing.T) {
	dir := t.TempDir()
	store := taskstore.NewMemory()

	path := filepath.Join(dir, "early.yaml")
	require.NoError(t, os.WriteFile(path, []byte("direction: preexisting work\ntype: spec\n"), 0o644))

	w, err := NewIntakeWatcher(store, nil, dir)
	require.NoError(t, err)
	w.ingestExisting()

	_, total, err := store.ListTasks(taskstore.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
