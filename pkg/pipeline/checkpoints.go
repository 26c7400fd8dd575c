package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/chatvault/skypetl/pkg/config"
	"github.com/chatvault/skypetl/pkg/database"
	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/observability"
)

const (
	checkpointPrefix = "etl_checkpoint_"
	checkpointSuffix = ".json"
)

// checkpointFile is the single checkpoint path of this run. Repeated
// checkpoints of the same task overwrite it atomically.
func (o *Orchestrator) checkpointFile() string {
	return filepath.Join(o.rc.OutputDir, checkpointPrefix+o.rc.TaskID+checkpointSuffix)
}

// writeCheckpoint serializes the run context and lands it with a temp-file
// write plus rename, so readers never observe a torn checkpoint. No output
// directory disables checkpointing.
func (o *Orchestrator) writeCheckpoint() error {
	if o.rc.OutputDir == "" {
		slog.Debug("No output directory configured, skipping checkpoint", "task_id", o.rc.TaskID)
		return nil
	}
	data, err := o.rc.Serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.rc.OutputDir, 0o755); err != nil {
		return etl.NewCheckpointError("create output directory", err)
	}

	tmp, err := os.CreateTemp(o.rc.OutputDir, checkpointPrefix+"*.tmp")
	if err != nil {
		return etl.NewCheckpointError("create checkpoint temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return etl.NewCheckpointError("write checkpoint", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return etl.NewCheckpointError("close checkpoint temp file", err)
	}
	path := o.checkpointFile()
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return etl.NewCheckpointError("publish checkpoint", err)
	}
	slog.Debug("Checkpoint written", "task_id", o.rc.TaskID, "path", path)
	return nil
}

// pruneCheckpoints keeps the newest CheckpointRetention checkpoint files in
// the output directory, counted across tasks. Pruning is best effort.
func (o *Orchestrator) pruneCheckpoints() {
	keep := o.cfg.CheckpointRetention
	if keep < 1 || o.rc.OutputDir == "" {
		return
	}
	paths, err := AvailableCheckpoints(o.rc.OutputDir)
	if err != nil {
		slog.Warn("Failed to list checkpoints for pruning", "error", err)
		return
	}
	for _, path := range paths[min(keep, len(paths)):] {
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to prune checkpoint", "path", path, "error", err)
			continue
		}
		slog.Debug("Pruned old checkpoint", "path", path)
	}
}

// AvailableCheckpoints lists checkpoint files in dir, newest first by
// modification time; ties break lexicographically.
func AvailableCheckpoints(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, checkpointPrefix+"*"+checkpointSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	type entry struct {
		path  string
		mtime int64
	}
	entries := make([]entry, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: path, mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mtime != entries[j].mtime {
			return entries[i].mtime > entries[j].mtime
		}
		return entries[i].path < entries[j].path
	})
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.path
	}
	return paths, nil
}

// AvailableCheckpoints lists the checkpoint files in this run's output
// directory, newest first.
func (o *Orchestrator) AvailableCheckpoints() ([]string, error) {
	return AvailableCheckpoints(o.rc.OutputDir)
}

// LoadFromCheckpoint restores an orchestrator from a checkpoint file. The
// restored run context carries the phase snapshots and data artifacts; the
// next Run resumes past completed phases.
func LoadFromCheckpoint(path string, cfg *config.PipelineConfig, dbCfg database.Config, metrics *observability.Metrics) (*Orchestrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, etl.NewCheckpointError("read checkpoint file", err)
	}
	rc, err := etl.Deserialize(data)
	if err != nil {
		return nil, err
	}
	slog.Info("Pipeline restored from checkpoint",
		"task_id", rc.TaskID,
		"path", path)
	return newWithContext(rc, cfg, dbCfg, metrics), nil
}

// ResumeOrNew restores the newest checkpoint in the output directory, or
// builds a fresh orchestrator with a WARN when none exists.
func ResumeOrNew(cfg *config.PipelineConfig, dbCfg database.Config, metrics *observability.Metrics) (*Orchestrator, error) {
	paths, err := AvailableCheckpoints(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		slog.Warn("Resume requested but no checkpoint found, starting from extract",
			"output_dir", cfg.OutputDir)
		return New(cfg, dbCfg, metrics), nil
	}
	return LoadFromCheckpoint(paths[0], cfg, dbCfg, metrics)
}
