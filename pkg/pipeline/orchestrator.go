// Package pipeline orchestrates a run end to end: the extract, transform,
// and load phases of a buffered run, or the fused single pass of a streaming
// run. The orchestrator owns the phase state machine, checkpoint files, and
// cancellation; the phase components never talk to each other directly.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chatvault/skypetl/pkg/config"
	"github.com/chatvault/skypetl/pkg/database"
	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/extract"
	"github.com/chatvault/skypetl/pkg/loader"
	"github.com/chatvault/skypetl/pkg/models"
	"github.com/chatvault/skypetl/pkg/msghandler"
	"github.com/chatvault/skypetl/pkg/observability"
	"github.com/chatvault/skypetl/pkg/reader"
	"github.com/chatvault/skypetl/pkg/transform"
)

// Extractor produces the raw export artifact for a run.
type Extractor interface {
	Extract(path string) (*models.RawExport, error)
	ExtractReader(src io.Reader, name string) (*models.RawExport, error)
	ExtractStream(path string) (*reader.ConversationStream, error)
}

// Transformer normalizes raw exports, whole or one conversation at a time.
type Transformer interface {
	Transform(ctx context.Context, raw *models.RawExport, userDisplayName string) (*models.TransformedExport, error)
	TransformConversation(conv *models.RawConversation) (*models.TransformedConversation, error)
}

// ArchiveLoader persists transformed data. Connect must succeed before any
// load call; Close releases the connection. Implementations own run-context
// progress attribution: Load and LoadStreamingBatch record each conversation
// they land exactly once.
type ArchiveLoader interface {
	Connect(ctx context.Context) error
	Close()
	Load(ctx context.Context, raw *models.RawExport, transformed *models.TransformedExport, fileSource string) (int64, error)
	RegisterArchive(ctx context.Context, userID, exportDate string, rawBlob []byte, fileSource string) (int64, error)
	LoadStreamingBatch(ctx context.Context, archiveID int64, conv *models.TransformedConversation) error
}

// Orchestrator drives one pipeline run. It is single-use: after Run or
// RunStreaming returns, build a new Orchestrator (or restore one from a
// checkpoint) for the next run.
type Orchestrator struct {
	rc      *etl.RunContext
	cfg     *config.PipelineConfig
	metrics *observability.Metrics

	extractor   Extractor
	transformer Transformer
	loader      ArchiveLoader

	mu         sync.Mutex
	hardCancel context.CancelFunc
	softCancel chan struct{}
	cancelOnce sync.Once
}

// New builds an orchestrator with the standard components wired to a fresh
// run context. metrics may be nil.
func New(cfg *config.PipelineConfig, dbCfg database.Config, metrics *observability.Metrics) *Orchestrator {
	return newWithContext(etl.NewRunContext("", cfg), cfg, dbCfg, metrics)
}

func newWithContext(rc *etl.RunContext, cfg *config.PipelineConfig, dbCfg database.Config, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		rc:          rc,
		cfg:         cfg,
		metrics:     metrics,
		extractor:   extract.New(rc, reader.NewFileReader()),
		transformer: transform.New(rc, msghandler.NewRegistry(), metrics),
		loader:      loader.New(rc, dbCfg, cfg.StatementTimeout, metrics),
		softCancel:  make(chan struct{}),
	}
}

// NewWithComponents wires the orchestrator with caller-supplied phase
// components; used by tests to inject failing or instrumented components.
func NewWithComponents(rc *etl.RunContext, cfg *config.PipelineConfig, ex Extractor, tr Transformer, ld ArchiveLoader, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		rc:          rc,
		cfg:         cfg,
		metrics:     metrics,
		extractor:   ex,
		transformer: tr,
		loader:      ld,
		softCancel:  make(chan struct{}),
	}
}

// Context exposes the run context for inspection.
func (o *Orchestrator) Context() *etl.RunContext {
	return o.rc
}

// TaskID returns the run's task identifier.
func (o *Orchestrator) TaskID() string {
	return o.rc.TaskID
}

// Cancel stops the run: no new work units start, in-flight units get the
// configured grace period, then the run context is cancelled outright. The
// run terminates with a checkpoint and a cancellation error. Safe to call
// from any goroutine, any number of times.
func (o *Orchestrator) Cancel() {
	o.cancelOnce.Do(func() {
		slog.Info("Cancellation requested",
			"task_id", o.rc.TaskID,
			"grace_period", o.cfg.CancelGracePeriod)
		close(o.softCancel)
		time.AfterFunc(o.cfg.CancelGracePeriod, func() {
			o.mu.Lock()
			cancel := o.hardCancel
			o.mu.Unlock()
			if cancel != nil {
				slog.Warn("Grace period expired, aborting in-flight work", "task_id", o.rc.TaskID)
				cancel()
			}
		})
	})
}

// cancelRequested reports whether Cancel was called or the run context is
// already dead.
func (o *Orchestrator) cancelRequested(ctx context.Context) bool {
	select {
	case <-o.softCancel:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// bindCancel wires a derived context so Cancel can abort in-flight work
// after the grace period.
func (o *Orchestrator) bindCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.hardCancel = cancel
	o.mu.Unlock()
	return runCtx, cancel
}

// Run executes a buffered pipeline over the export at inputPath. A context
// restored from a checkpoint resumes at the first phase whose input artifact
// the checkpoint carries; completed phases are skipped.
func (o *Orchestrator) Run(ctx context.Context, inputPath, userDisplayName string) (*models.Summary, error) {
	if inputPath != "" {
		o.rc.FilePath = inputPath
	}
	return o.run(ctx, userDisplayName, func() (*models.RawExport, error) {
		return o.extractor.Extract(o.rc.FilePath)
	})
}

// RunReader executes a buffered pipeline over an open reader. name appears
// in logs and error messages; no input path means the archive row gets a
// synthesized file path.
func (o *Orchestrator) RunReader(ctx context.Context, src io.Reader, name, userDisplayName string) (*models.Summary, error) {
	return o.run(ctx, userDisplayName, func() (*models.RawExport, error) {
		return o.extractor.ExtractReader(src, name)
	})
}

func (o *Orchestrator) run(ctx context.Context, userDisplayName string, doExtract func() (*models.RawExport, error)) (*models.Summary, error) {
	runCtx, cancel := o.bindCancel(ctx)
	defer cancel()

	startAt := o.resumePoint()
	if startAt != etl.PhaseExtract {
		slog.Info("Resuming pipeline from checkpoint state",
			"task_id", o.rc.TaskID,
			"phase", startAt)
	}
	slog.Info("Pipeline run started",
		"task_id", o.rc.TaskID,
		"input_path", o.rc.FilePath,
		"start_phase", startAt)

	if startAt == etl.PhaseExtract {
		if o.cancelRequested(runCtx) {
			return o.failCancelled(etl.PhaseExtract)
		}
		if err := o.rc.StartPhase(etl.PhaseExtract, 0, 0); err != nil {
			return o.fail(etl.PhaseExtract, err)
		}
		raw, err := doExtract()
		if err != nil {
			return o.fail(etl.PhaseExtract, err)
		}
		o.rc.RawData = raw
		o.endPhase(etl.PhaseExtract)
		o.checkpointPhase(etl.PhaseExtract)
	}

	if startAt == etl.PhaseExtract || startAt == etl.PhaseTransform {
		if o.cancelRequested(runCtx) {
			return o.failCancelled(etl.PhaseTransform)
		}
		totalMsgs := 0
		for i := range o.rc.RawData.Conversations {
			totalMsgs += len(o.rc.RawData.Conversations[i].MessageList)
		}
		if err := o.rc.StartPhase(etl.PhaseTransform, len(o.rc.RawData.Conversations), totalMsgs); err != nil {
			return o.fail(etl.PhaseTransform, err)
		}
		transformed, err := o.transformer.Transform(runCtx, o.rc.RawData, userDisplayName)
		if err != nil {
			return o.fail(etl.PhaseTransform, err)
		}
		o.rc.TransformedData = transformed
		o.endPhase(etl.PhaseTransform)
		o.checkpointPhase(etl.PhaseTransform)
	}

	if o.cancelRequested(runCtx) {
		return o.failCancelled(etl.PhaseLoad)
	}
	if err := o.loader.Connect(runCtx); err != nil {
		return o.fail(etl.PhaseLoad, err)
	}
	defer o.loader.Close()

	if err := o.rc.StartPhase(etl.PhaseLoad, len(o.rc.TransformedData.Order), 0); err != nil {
		return o.fail(etl.PhaseLoad, err)
	}
	archiveID, err := o.loader.Load(runCtx, o.rc.RawData, o.rc.TransformedData, o.rc.FilePath)
	if err != nil {
		return o.fail(etl.PhaseLoad, err)
	}
	o.endPhase(etl.PhaseLoad)

	// a post-load checkpoint carries no artifacts; the run is complete
	o.rc.RawData = nil
	o.rc.TransformedData = nil
	o.checkpointPhase(etl.PhaseLoad)

	summary := o.rc.GetSummary()
	summary.ArchiveID = archiveID
	slog.Info("Pipeline run completed",
		"task_id", o.rc.TaskID,
		"archive_id", archiveID,
		"conversations", summary.ConversationCount,
		"messages", summary.MessageCount,
		"duration_seconds", summary.TotalDurationSeconds)
	return summary, nil
}

// RunStreaming executes the fused single-pass pipeline: each conversation is
// transformed and loaded as it is decoded, so memory stays bounded by the
// largest single conversation. Cross-conversation ordering follows input
// order; no global artifact is ever materialized.
func (o *Orchestrator) RunStreaming(ctx context.Context, inputPath, userDisplayName string) (*models.Summary, error) {
	runCtx, cancel := o.bindCancel(ctx)
	defer cancel()

	if inputPath != "" {
		o.rc.FilePath = inputPath
	}
	slog.Info("Streaming pipeline run started",
		"task_id", o.rc.TaskID,
		"input_path", o.rc.FilePath)

	stream, err := o.extractor.ExtractStream(o.rc.FilePath)
	if err != nil {
		return o.fail(etl.PhaseStreaming, err)
	}
	defer stream.Close()

	if err := o.loader.Connect(runCtx); err != nil {
		return o.fail(etl.PhaseStreaming, err)
	}
	defer o.loader.Close()

	archiveID, err := o.loader.RegisterArchive(runCtx, stream.UserID, stream.ExportDate, nil, o.rc.FilePath)
	if err != nil {
		return o.fail(etl.PhaseStreaming, err)
	}

	if err := o.rc.StartPhase(etl.PhaseStreaming, 0, 0); err != nil {
		return o.fail(etl.PhaseStreaming, err)
	}
	o.seedStreamingMetadata(stream, userDisplayName)

	messagesSinceCheckpoint := 0
	for stream.Next() {
		if o.cancelRequested(runCtx) {
			return o.failCancelled(etl.PhaseStreaming)
		}
		conv := stream.Conversation()
		tc, err := o.transformer.TransformConversation(conv)
		if err != nil {
			// conversation-level failures are non-fatal; skip and continue
			o.rc.RecordError(etl.PhaseStreaming, err, false)
			o.metrics.ObserveError(string(etl.PhaseStreaming))
			continue
		}
		if tc == nil {
			continue
		}
		if err := o.loader.LoadStreamingBatch(runCtx, archiveID, tc); err != nil {
			return o.fail(etl.PhaseStreaming, err)
		}
		o.metrics.ObserveProgress(1, tc.MessageCount)
		o.metrics.ObserveMemory(o.rc.CheckMemory())

		messagesSinceCheckpoint += tc.MessageCount
		if o.cfg.CheckpointInterval > 0 && messagesSinceCheckpoint >= o.cfg.CheckpointInterval {
			messagesSinceCheckpoint = 0
			o.rc.CreateCheckpoint(etl.PhaseStreaming)
			o.writeCheckpointLogged()
			o.pruneCheckpoints()
		}
	}
	if err := stream.Err(); err != nil {
		return o.fail(etl.PhaseStreaming, err)
	}
	o.rc.AddBytesRead(stream.BytesRead())

	o.endPhase(etl.PhaseStreaming)
	o.checkpointPhase(etl.PhaseStreaming)

	summary := o.rc.GetSummary()
	summary.ArchiveID = archiveID
	slog.Info("Streaming pipeline run completed",
		"task_id", o.rc.TaskID,
		"archive_id", archiveID,
		"conversations", summary.ConversationCount,
		"messages", summary.MessageCount,
		"duration_seconds", summary.TotalDurationSeconds)
	return summary, nil
}

// seedStreamingMetadata mirrors the identity seeding of a buffered transform
// for the streaming pass.
func (o *Orchestrator) seedStreamingMetadata(stream *reader.ConversationStream, userDisplayName string) {
	if userDisplayName != "" {
		o.rc.NoteIdentity(stream.UserID, userDisplayName)
	}
}

// resumePoint picks the first phase whose input artifact is missing. A fresh
// context always starts at extract.
func (o *Orchestrator) resumePoint() etl.Phase {
	switch {
	case o.rc.TransformedData != nil && o.rc.RawData != nil && o.rc.CanResumeFrom(etl.PhaseLoad):
		return etl.PhaseLoad
	case o.rc.RawData != nil && o.rc.CanResumeFrom(etl.PhaseTransform):
		return etl.PhaseTransform
	default:
		return etl.PhaseExtract
	}
}

// endPhase closes the active phase and feeds its result into metrics.
func (o *Orchestrator) endPhase(phase etl.Phase) {
	result, err := o.rc.EndPhase()
	if err != nil {
		slog.Warn("Failed to close phase", "task_id", o.rc.TaskID, "phase", phase, "error", err)
		return
	}
	o.metrics.ObservePhase(string(phase), result.DurationSeconds)
	o.metrics.ObserveMemory(o.rc.CheckMemory())
}

// checkpointPhase snapshots a successfully completed phase. A failed write
// does not abort the run: the run can still finish, only resumability is
// degraded.
func (o *Orchestrator) checkpointPhase(phase etl.Phase) {
	o.rc.CreateCheckpoint(phase)
	o.writeCheckpointLogged()
	o.pruneCheckpoints()
}

func (o *Orchestrator) writeCheckpointLogged() {
	if err := o.writeCheckpoint(); err != nil {
		o.rc.RecordError(o.rc.CurrentPhase(), err, false)
		slog.Warn("Failed to write checkpoint", "task_id", o.rc.TaskID, "error", err)
	}
}

// fail records a fatal error, checkpoints the context so a later run can
// resume past completed phases, and returns the summary with the error.
func (o *Orchestrator) fail(phase etl.Phase, err error) (*models.Summary, error) {
	o.rc.RecordError(phase, err, true)
	o.metrics.ObserveError(string(phase))
	o.rc.CreateCheckpoint(phase)
	if cerr := o.writeCheckpoint(); cerr != nil {
		slog.Error("Failed to write checkpoint after error", "task_id", o.rc.TaskID, "error", cerr)
	}
	slog.Error("Pipeline run failed",
		"task_id", o.rc.TaskID,
		"phase", phase,
		"error", err)
	return o.rc.GetSummary(), err
}

func (o *Orchestrator) failCancelled(phase etl.Phase) (*models.Summary, error) {
	return o.fail(phase, etl.NewCancelledError(phase))
}
