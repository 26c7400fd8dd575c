package etl

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatvault/skypetl/pkg/config"
	"github.com/chatvault/skypetl/pkg/models"
)

// RunContext is the shared execution state for a single pipeline task. It is
// created once per run and passed by reference to every phase component. All
// mutating methods are safe for concurrent use; the exported artifact fields
// are written only at phase boundaries by the orchestrator.
type RunContext struct {
	TaskID    string
	FilePath  string // original input path; empty when reading from an io.Reader
	OutputDir string

	MemoryLimitMB      int
	ChunkSize          int
	BatchSize          int
	MaxWorkers         int
	ParallelProcessing bool
	IncludeAttachments bool

	// RawData and TransformedData hold the inter-phase artifacts of a
	// non-streaming run. In streaming mode neither ever exists in aggregate.
	RawData         *models.RawExport
	TransformedData *models.TransformedExport

	mu           sync.Mutex
	currentPhase Phase
	phaseStart   time.Time
	phaseConvs   int
	phaseMsgs    int
	phaseResults map[Phase]*models.PhaseResult
	snapshots    map[Phase]*PhaseSnapshot
	errs         []models.ErrorRecord
	errsDropped  int
	fatalSeen    bool // set by RecordError in this process, never restored from a checkpoint
	metrics      RunMetrics
	identityMap  map[string]string
	extra        map[string]json.RawMessage // unknown checkpoint fields, written back on serialize
}

// NewRunContext creates the run state for one task. An empty taskID gets a
// generated UUID.
func NewRunContext(taskID string, cfg *config.PipelineConfig) *RunContext {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	return &RunContext{
		TaskID:             taskID,
		OutputDir:          cfg.OutputDir,
		MemoryLimitMB:      cfg.MemoryLimitMB,
		ChunkSize:          cfg.ChunkSize,
		BatchSize:          cfg.BatchSize,
		MaxWorkers:         cfg.MaxWorkers,
		ParallelProcessing: cfg.ParallelProcessing,
		IncludeAttachments: cfg.IncludeAttachments,
		currentPhase:       PhaseIdle,
		phaseResults:       make(map[Phase]*models.PhaseResult),
		snapshots:          make(map[Phase]*PhaseSnapshot),
		identityMap:        make(map[string]string),
		metrics: RunMetrics{
			StartTime:      time.Now().UTC(),
			PhaseDurations: make(map[string]float64),
		},
	}
}

// StartPhase marks phase as active and resets its progress counters. The
// totals are advisory and may be zero when unknown up front.
func (c *RunContext) StartPhase(phase Phase, totalConversations, totalMessages int) error {
	if !phase.runnable() {
		return &Error{Kind: ErrInvalidState, Phase: phase, Msg: fmt.Sprintf("phase %q cannot be started", phase), Fatal: true}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentPhase != PhaseIdle && c.currentPhase != "" {
		return &Error{Kind: ErrInvalidState, Phase: phase, Msg: fmt.Sprintf("phase %q is already active", c.currentPhase), Fatal: true}
	}
	c.currentPhase = phase
	c.phaseStart = time.Now()
	c.phaseConvs = 0
	c.phaseMsgs = 0
	slog.Debug("Phase started",
		"task_id", c.TaskID,
		"phase", phase,
		"total_conversations", totalConversations,
		"total_messages", totalMessages)
	return nil
}

// UpdateProgress adds processed counts to the active phase.
func (c *RunContext) UpdateProgress(conversations, messages int) {
	c.mu.Lock()
	c.phaseConvs += conversations
	c.phaseMsgs += messages
	c.mu.Unlock()
}

// EndPhase computes the result for the active phase, records it, and clears
// the active phase.
func (c *RunContext) EndPhase() (*models.PhaseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentPhase == PhaseIdle || c.currentPhase == "" {
		return nil, &Error{Kind: ErrInvalidState, Msg: "no active phase to end", Fatal: true}
	}
	phase := c.currentPhase
	result := newPhaseResult(phase, c.phaseStart, time.Now(), c.phaseConvs, c.phaseMsgs)
	c.phaseResults[phase] = result
	c.metrics.PhaseDurations[string(phase)] = result.DurationSeconds
	switch phase {
	case PhaseTransform, PhaseStreaming:
		c.metrics.MessageCount = result.ProcessedMessages
		if result.ProcessedConversations > 0 {
			c.metrics.ConversationCount = result.ProcessedConversations
		}
	}
	c.currentPhase = PhaseIdle
	slog.Info("Phase completed",
		"task_id", c.TaskID,
		"phase", phase,
		"duration_seconds", result.DurationSeconds,
		"conversations", result.ProcessedConversations,
		"messages", result.ProcessedMessages,
		"messages_per_second", result.MessagesPerSecond)
	return result, nil
}

// newPhaseResult computes throughput for one finished phase, guarding the
// zero-duration division.
func newPhaseResult(phase Phase, start, end time.Time, conversations, messages int) *models.PhaseResult {
	duration := end.Sub(start).Seconds()
	mps := 0.0
	if duration > 0 {
		mps = float64(messages) / duration
	}
	return &models.PhaseResult{
		Phase:                  string(phase),
		DurationSeconds:        duration,
		ProcessedConversations: conversations,
		ProcessedMessages:      messages,
		MessagesPerSecond:      mps,
	}
}

// CurrentPhase returns the active phase, PhaseIdle between phases.
func (c *RunContext) CurrentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPhase
}

// PhaseResult returns the recorded result for a completed phase, if any.
func (c *RunContext) PhaseResult(phase Phase) (*models.PhaseResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.phaseResults[phase]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// RecordError appends an error record. It never fails and never terminates
// the run; acting on fatal errors is the orchestrator's decision. The list
// keeps at most maxErrorRecords entries, eliding the oldest beyond the cap.
func (c *RunContext) RecordError(phase Phase, err error, fatal bool) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fatal {
		c.fatalSeen = true
	}
	if len(c.errs) >= maxErrorRecords {
		c.errs = c.errs[1:]
		c.errsDropped++
	}
	c.errs = append(c.errs, models.ErrorRecord{
		Phase:     string(phase),
		Message:   err.Error(),
		Fatal:     fatal,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Errors returns a copy of the recorded errors.
func (c *RunContext) Errors() []models.ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ErrorRecord(nil), c.errs...)
}

// NoteIdentity records a display name observed for a participant id. Last
// write wins; observations for the same id are equivalent in the source data.
func (c *RunContext) NoteIdentity(id, name string) {
	if id == "" || name == "" {
		return
	}
	c.mu.Lock()
	c.identityMap[id] = name
	c.mu.Unlock()
}

// ResolveIdentity returns the display name recorded for a participant id.
func (c *RunContext) ResolveIdentity(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.identityMap[id]
	return name, ok
}

// SetConversationCount records how many conversations extraction discovered.
func (c *RunContext) SetConversationCount(n int) {
	c.mu.Lock()
	c.metrics.ConversationCount = n
	c.mu.Unlock()
}

// AddBytesRead accumulates raw input bytes into the metrics.
func (c *RunContext) AddBytesRead(n int64) {
	c.mu.Lock()
	c.metrics.BytesRead += n
	c.mu.Unlock()
}

// Metrics returns a copy of the run metrics.
func (c *RunContext) Metrics() RunMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.MemorySamplesMB = append([]float64(nil), c.metrics.MemorySamplesMB...)
	if c.metrics.PhaseDurations != nil {
		m.PhaseDurations = make(map[string]float64, len(c.metrics.PhaseDurations))
		for k, v := range c.metrics.PhaseDurations {
			m.PhaseDurations[k] = v
		}
	}
	return m
}

// CreateCheckpoint snapshots the state of a phase, recording which data
// artifacts the snapshot captures. Snapshots drive resumption decisions.
func (c *RunContext) CreateCheckpoint(phase Phase) *PhaseSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := &PhaseSnapshot{
		Phase:                    phase,
		CreatedAt:                time.Now().UTC().Format(time.RFC3339),
		RawDataAvailable:         c.RawData != nil,
		TransformedDataAvailable: c.TransformedData != nil,
	}
	if r, ok := c.phaseResults[phase]; ok {
		snap.ProcessedConversations = r.ProcessedConversations
		snap.ProcessedMessages = r.ProcessedMessages
	} else {
		// phase still active (checkpoint on error or mid-stream)
		snap.ProcessedConversations = c.phaseConvs
		snap.ProcessedMessages = c.phaseMsgs
	}
	c.snapshots[phase] = snap
	return snap
}

// CanResumeFrom reports whether the context carries everything needed to
// begin execution at the given phase: a checkpoint for every phase strictly
// before it, including the data artifact the phase consumes.
func (c *RunContext) CanResumeFrom(phase Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch phase {
	case PhaseExtract, PhaseStreaming:
		return true
	case PhaseTransform:
		snap := c.snapshots[PhaseExtract]
		return snap != nil && snap.RawDataAvailable
	case PhaseLoad:
		if c.snapshots[PhaseExtract] == nil {
			return false
		}
		snap := c.snapshots[PhaseTransform]
		return snap != nil && snap.TransformedDataAvailable
	default:
		return false
	}
}

// GetSummary builds the user-visible summary from the recorded state. Success
// reflects this process's outcome only: fatal errors restored from a
// checkpoint belong to the failed prior attempt and stay visible in Errors,
// but a resumed run that completes cleanly still succeeds. The archive id is
// folded in by the orchestrator after loading.
func (c *RunContext) GetSummary() *models.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	phases := make(map[string]models.PhaseResult, len(c.phaseResults))
	for phase, r := range c.phaseResults {
		phases[string(phase)] = *r
	}

	return &models.Summary{
		Success:              !c.fatalSeen,
		TaskID:               c.TaskID,
		InputPath:            c.FilePath,
		TotalDurationSeconds: time.Since(c.metrics.StartTime).Seconds(),
		Phases:               phases,
		ConversationCount:    c.metrics.ConversationCount,
		MessageCount:         c.metrics.MessageCount,
		Errors:               append([]models.ErrorRecord(nil), c.errs...),
		ErrorsDropped:        c.errsDropped,
	}
}
