package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditline/internal/aggregate"
	"creditline/internal/config"
	"creditline/internal/domain"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	ws := t.TempDir()
	dir := filepath.Join(ws, "warehouse")
	writeFile(t, filepath.Join(dir, "projects.yaml"), "- {id: p1, name: Alpha}\n")
	writeFile(t, filepath.Join(dir, "persons.json"), `[{"id":"x","email":"X@x.io","display_name":"X","status":"active"}]`)
	writeFile(t, filepath.Join(dir, "tasks.yaml"), "- {id: t1, project_id: p1, current_status: completed}\n")
	writeFile(t, filepath.Join(dir, "completion_events.yaml"),
		"- {task_id: t1, timestamp: '2024-01-10T09:00:00Z', old_status: labeling, new_status: completed, author: x@x.io}\n")
	return config.Settings{
		Workspace: ws,
		Log:       config.LogSettings{Level: "error"},
		Warehouse: config.WarehouseSettings{Dir: dir, RetryAttempts: 1, CacheSize: 8},
		Cache:     config.CacheSettings{Size: 8},
	}
}

func TestOpenRunsSyncFromDirectoryWarehouse(t *testing.T) {
	s := testSettings(t)
	a, err := Open(context.Background(), s, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	st, err := a.Engine.RunSync(context.Background(), domain.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, st.Status)

	stats, err := a.Engine.TrainerStats(context.Background(), aggregate.Filter{})
	require.NoError(t, err)
	require.Len(t, stats.Rows, 1)
	assert.Equal(t, "x", stats.Rows[0].EntityID)
	assert.Equal(t, "x@x.io", stats.Rows[0].Email)
}

func TestOpenImportsConstantsFile(t *testing.T) {
	s := testSettings(t)
	s.ConstantsFile = filepath.Join(s.Workspace, "constants.yaml")
	writeFile(t, s.ConstantsFile, "defaults:\n  new_task_aht: 3\n")
	a, err := Open(context.Background(), s, io.Discard)
	require.NoError(t, err)
	defer a.Close()
	v, ok := a.Engine.Lookup().Get("any", config.KeyNewTaskAHT)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
}

func TestOpenMarksInterruptedRunsFailed(t *testing.T) {
	s := testSettings(t)
	a, err := Open(context.Background(), s, io.Discard)
	require.NoError(t, err)
	_, err = a.Engine.Events.StartRun(context.Background(), "stale", domain.SyncFull)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = Open(context.Background(), s, io.Discard)
	require.NoError(t, err)
	defer a.Close()
	run, err := a.Engine.Events.Run(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "interrupted", run.Error)
}

func TestOpenRequiresWarehouse(t *testing.T) {
	s := testSettings(t)
	s.Warehouse.Dir = ""
	_, err := Open(context.Background(), s, io.Discard)
	require.ErrorContains(t, err, "warehouse")
}

func TestHandlerBuilds(t *testing.T) {
	a, err := Open(context.Background(), testSettings(t), io.Discard)
	require.NoError(t, err)
	defer a.Close()
	h, err := a.Handler()
	require.NoError(t, err)
	assert.NotNil(t, h)
}
