// Package config holds the resolved pipeline configuration. The core
// consumes this struct fully populated; environment and flag overrides are
// applied by the command-line adapter on top of what Load returns.
package config

import (
	"fmt"
	"time"
)

// PipelineConfig controls the budgets and behavior of a pipeline run.
type PipelineConfig struct {
	// MemoryLimitMB is the advisory memory budget. Crossing 0.8x of it logs
	// a warning; enforcement happens by choosing the streaming pipeline.
	// Zero disables the check.
	MemoryLimitMB int `yaml:"memory_limit_mb"`

	// ChunkSize is the number of conversations handed to one parallel unit
	// in the transform fan-out.
	ChunkSize int `yaml:"chunk_size"`

	// BatchSize is the number of rows per database round trip.
	BatchSize int `yaml:"batch_size"`

	// MaxWorkers bounds the transform fan-out. Zero means one worker per
	// available CPU.
	MaxWorkers int `yaml:"max_workers"`

	// ParallelProcessing enables conversation-level parallelism during
	// transformation.
	ParallelProcessing bool `yaml:"parallel_processing"`

	// IncludeAttachments controls whether media payloads are extracted into
	// structured data and the media side tables.
	IncludeAttachments bool `yaml:"include_attachments"`

	// OutputDir receives the raw document copy and checkpoint files.
	OutputDir string `yaml:"output_dir"`

	// CheckpointInterval is the number of messages between periodic
	// checkpoints in a streaming run. Zero disables periodic checkpoints.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// CheckpointRetention is how many checkpoint files to keep in the
	// output directory, counted across tasks, newest first.
	CheckpointRetention int `yaml:"checkpoint_retention"`

	// StatementTimeout is the per-statement database timeout. Expiry
	// escalates to the loader's reconnect policy.
	StatementTimeout time.Duration `yaml:"statement_timeout"`

	// CancelGracePeriod is how long Cancel waits for in-flight conversation
	// units before checkpointing and stopping the run.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`
}

// DefaultPipelineConfig returns the built-in defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		MemoryLimitMB:       1024,
		ChunkSize:           50,
		BatchSize:           500,
		MaxWorkers:          0, // one per CPU
		ParallelProcessing:  true,
		IncludeAttachments:  true,
		OutputDir:           "output",
		CheckpointInterval:  1000,
		CheckpointRetention: 5,
		StatementTimeout:    60 * time.Second,
		CancelGracePeriod:   30 * time.Second,
	}
}

// Validate checks the numeric budgets for values no run could work with.
func (c *PipelineConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be at least 1, got %d", ErrInvalidValue, c.BatchSize)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk_size must not be negative, got %d", ErrInvalidValue, c.ChunkSize)
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("%w: memory_limit_mb must not be negative, got %d", ErrInvalidValue, c.MemoryLimitMB)
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("%w: max_workers must not be negative, got %d", ErrInvalidValue, c.MaxWorkers)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("%w: checkpoint_interval must not be negative, got %d", ErrInvalidValue, c.CheckpointInterval)
	}
	if c.CheckpointRetention < 1 {
		return fmt.Errorf("%w: checkpoint_retention must be at least 1, got %d", ErrInvalidValue, c.CheckpointRetention)
	}
	if c.StatementTimeout < 0 {
		return fmt.Errorf("%w: statement_timeout must not be negative, got %v", ErrInvalidValue, c.StatementTimeout)
	}
	return nil
}
