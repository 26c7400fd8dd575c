package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatvault/skypetl/pkg/config"
	"github.com/chatvault/skypetl/pkg/database"
	"github.com/chatvault/skypetl/pkg/etl"
)

func writeCheckpointFile(t *testing.T, dir, taskID string, mtime time.Time) string {
	t.Helper()
	rc := etl.NewRunContext(taskID, config.DefaultPipelineConfig())
	data, err := rc.Serialize()
	require.NoError(t, err)
	path := filepath.Join(dir, checkpointPrefix+taskID+checkpointSuffix)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestAvailableCheckpointsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	oldest := writeCheckpointFile(t, dir, "task-a", base)
	middle := writeCheckpointFile(t, dir, "task-b", base.Add(time.Minute))
	newest := writeCheckpointFile(t, dir, "task-c", base.Add(2*time.Minute))

	// non-checkpoint files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw_data.json"), []byte("{}"), 0o644))

	paths, err := AvailableCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{newest, middle, oldest}, paths)
}

func TestAvailableCheckpointsEmptyDir(t *testing.T) {
	paths, err := AvailableCheckpoints(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestPruneCheckpointsKeepsNewest(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckpointRetention = 2
	base := time.Now().Add(-time.Hour)
	for i, task := range []string{"t1", "t2", "t3", "t4"} {
		writeCheckpointFile(t, cfg.OutputDir, task, base.Add(time.Duration(i)*time.Minute))
	}

	o := newFakeOrchestrator(t, cfg, &fakeExtractor{}, &fakeTransformer{}, &fakeLoader{})
	o.pruneCheckpoints()

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "t4")
	assert.Contains(t, paths[1], "t3")
}

func TestWriteCheckpointAtomicOverwrite(t *testing.T) {
	cfg := testConfig(t)
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{}, &fakeTransformer{}, &fakeLoader{})

	require.NoError(t, o.writeCheckpoint())
	require.NoError(t, o.writeCheckpoint())

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, paths, 1, "same task overwrites its checkpoint file")

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "no temp files left behind")
	}

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	rc, err := etl.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, o.rc.TaskID, rc.TaskID)
}

func TestWriteCheckpointNoOutputDir(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.OutputDir = ""
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{}, &fakeTransformer{}, &fakeLoader{})
	assert.NoError(t, o.writeCheckpoint())
}

func TestLoadFromCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{raw: testRaw()}, &fakeTransformer{err: etl.NewTransformationError("boom", nil)}, &fakeLoader{})
	_, err := o.Run(context.Background(), "/data/export.json", "")
	require.Error(t, err)

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	restored, err := LoadFromCheckpoint(paths[0], cfg, database.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, o.TaskID(), restored.TaskID())
	assert.NotNil(t, restored.Context().RawData)
}

func TestLoadFromCheckpointMissingFile(t *testing.T) {
	_, err := LoadFromCheckpoint(filepath.Join(t.TempDir(), "absent.json"), config.DefaultPipelineConfig(), database.Config{}, nil)
	assert.ErrorIs(t, err, etl.ErrCheckpoint)
}

func TestResumeOrNewWithoutCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	o, err := ResumeOrNew(cfg, database.Config{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, o.TaskID(), "fresh orchestrator when nothing to resume")
}

func TestResumeOrNewPicksNewestCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	base := time.Now().Add(-time.Hour)
	writeCheckpointFile(t, cfg.OutputDir, "old-task", base)
	writeCheckpointFile(t, cfg.OutputDir, "new-task", base.Add(time.Minute))

	o, err := ResumeOrNew(cfg, database.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "new-task", o.TaskID())
}

func TestCheckpointSerializeRoundTripStable(t *testing.T) {
	cfg := testConfig(t)
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{raw: testRaw()}, &fakeTransformer{err: etl.NewTransformationError("boom", nil)}, &fakeLoader{})
	_, err := o.Run(context.Background(), "/data/export.json", "")
	require.Error(t, err)

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)

	rc1, err := etl.Deserialize(data)
	require.NoError(t, err)
	data2, err := rc1.Serialize()
	require.NoError(t, err)
	rc2, err := etl.Deserialize(data2)
	require.NoError(t, err)

	assert.Equal(t, rc1.TaskID, rc2.TaskID)
	assert.Equal(t, rc1.Errors(), rc2.Errors())
	assert.Equal(t, rc1.RawData.UserID, rc2.RawData.UserID)
}
