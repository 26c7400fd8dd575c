package etl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatvault/skypetl/pkg/models"
)

// CheckpointVersion is the format version written to checkpoint files.
const CheckpointVersion = "1.0"

// checkpointEnvelope is the on-disk checkpoint document.
type checkpointEnvelope struct {
	CheckpointVersion string          `json:"checkpoint_version"`
	SerializedAt      string          `json:"serialized_at"` // RFC3339
	Context           json.RawMessage `json:"context"`
}

// contextPayload is the allowlisted subset of RunContext state that survives
// serialization. Anything not listed here never reaches disk.
type contextPayload struct {
	TaskID             string                        `json:"task_id"`
	FilePath           string                        `json:"file_path,omitempty"`
	OutputDir          string                        `json:"output_dir,omitempty"`
	MemoryLimitMB      int                           `json:"memory_limit_mb,omitempty"`
	ChunkSize          int                           `json:"chunk_size,omitempty"`
	BatchSize          int                           `json:"batch_size,omitempty"`
	MaxWorkers         int                           `json:"max_workers,omitempty"`
	ParallelProcessing bool                          `json:"parallel_processing,omitempty"`
	IncludeAttachments bool                          `json:"include_attachments,omitempty"`
	CurrentPhase       Phase                         `json:"current_phase,omitempty"`
	PhaseResults       map[Phase]*models.PhaseResult `json:"phase_results,omitempty"`
	Snapshots          map[Phase]*PhaseSnapshot      `json:"checkpoints,omitempty"`
	Errors             []models.ErrorRecord          `json:"errors,omitempty"`
	ErrorsDropped      int                           `json:"errors_dropped,omitempty"`
	Metrics            *RunMetrics                   `json:"metrics,omitempty"`
	IdentityMap        map[string]string             `json:"identity_map,omitempty"`
	RawData            json.RawMessage               `json:"raw_data,omitempty"`
	TransformedData    *models.TransformedExport     `json:"transformed_data,omitempty"`
}

// Serialize renders the context as a versioned checkpoint document. Context
// fields captured from a newer format by Deserialize are written back
// unchanged, so readers and writers of different versions can interleave.
func (c *RunContext) Serialize() ([]byte, error) {
	c.mu.Lock()
	payload := contextPayload{
		TaskID:             c.TaskID,
		FilePath:           c.FilePath,
		OutputDir:          c.OutputDir,
		MemoryLimitMB:      c.MemoryLimitMB,
		ChunkSize:          c.ChunkSize,
		BatchSize:          c.BatchSize,
		MaxWorkers:         c.MaxWorkers,
		ParallelProcessing: c.ParallelProcessing,
		IncludeAttachments: c.IncludeAttachments,
		CurrentPhase:       c.currentPhase,
		PhaseResults:       c.phaseResults,
		Snapshots:          c.snapshots,
		Errors:             c.errs,
		ErrorsDropped:      c.errsDropped,
		IdentityMap:        c.identityMap,
		TransformedData:    c.TransformedData,
	}
	metrics := c.metrics
	payload.Metrics = &metrics
	if c.RawData != nil {
		if len(c.RawData.Raw) > 0 {
			payload.RawData = json.RawMessage(c.RawData.Raw)
		} else if raw, err := json.Marshal(c.RawData); err == nil {
			payload.RawData = raw
		}
	}
	// marshal inside the lock: the payload references live maps
	ctxRaw, err := json.Marshal(&payload)
	extra := c.extra
	c.mu.Unlock()
	if err != nil {
		return nil, NewCheckpointError("marshal context", err)
	}

	if len(extra) > 0 {
		ctxRaw, err = mergeUnknownFields(ctxRaw, extra)
		if err != nil {
			return nil, NewCheckpointError("merge preserved fields", err)
		}
	}

	env := checkpointEnvelope{
		CheckpointVersion: CheckpointVersion,
		SerializedAt:      time.Now().UTC().Format(time.RFC3339),
		Context:           ctxRaw,
	}
	out, err := json.Marshal(&env)
	if err != nil {
		return nil, NewCheckpointError("marshal checkpoint envelope", err)
	}
	return out, nil
}

// mergeUnknownFields re-attaches fields captured from a newer checkpoint
// format. Known fields always win on conflict.
func mergeUnknownFields(known json.RawMessage, extra map[string]json.RawMessage) (json.RawMessage, error) {
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Deserialize reconstructs a RunContext from checkpoint bytes produced by
// Serialize. The context resumes at a phase boundary, so the active phase is
// always reset to idle. Context fields this version does not know are kept
// and written back by the next Serialize.
func Deserialize(data []byte) (*RunContext, error) {
	var env checkpointEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewCheckpointError("parse checkpoint envelope", err)
	}
	if env.CheckpointVersion != CheckpointVersion {
		return nil, NewCheckpointError(fmt.Sprintf("unsupported checkpoint version %q", env.CheckpointVersion), nil)
	}
	var payload contextPayload
	if err := json.Unmarshal(env.Context, &payload); err != nil {
		return nil, NewCheckpointError("parse checkpoint context", err)
	}
	if payload.TaskID == "" {
		return nil, NewCheckpointError("checkpoint context missing task_id", nil)
	}

	c := &RunContext{
		TaskID:             payload.TaskID,
		FilePath:           payload.FilePath,
		OutputDir:          payload.OutputDir,
		MemoryLimitMB:      payload.MemoryLimitMB,
		ChunkSize:          payload.ChunkSize,
		BatchSize:          payload.BatchSize,
		MaxWorkers:         payload.MaxWorkers,
		ParallelProcessing: payload.ParallelProcessing,
		IncludeAttachments: payload.IncludeAttachments,
		currentPhase:       PhaseIdle,
		phaseResults:       payload.PhaseResults,
		snapshots:          payload.Snapshots,
		errs:               payload.Errors,
		errsDropped:        payload.ErrorsDropped,
		identityMap:        payload.IdentityMap,
		TransformedData:    payload.TransformedData,
	}
	if c.phaseResults == nil {
		c.phaseResults = make(map[Phase]*models.PhaseResult)
	}
	if c.snapshots == nil {
		c.snapshots = make(map[Phase]*PhaseSnapshot)
	}
	if c.identityMap == nil {
		c.identityMap = make(map[string]string)
	}
	if payload.Metrics != nil {
		c.metrics = *payload.Metrics
	}
	if c.metrics.PhaseDurations == nil {
		c.metrics.PhaseDurations = make(map[string]float64)
	}
	if c.metrics.StartTime.IsZero() {
		c.metrics.StartTime = time.Now().UTC()
	}
	if len(payload.RawData) > 0 {
		var raw models.RawExport
		if err := json.Unmarshal(payload.RawData, &raw); err != nil {
			return nil, NewCheckpointError("parse raw data artifact", err)
		}
		raw.Raw = append([]byte(nil), payload.RawData...)
		c.RawData = &raw
	}

	c.extra = unknownFields(env.Context, &payload)
	return c, nil
}

// unknownFields returns the context keys that the payload struct did not
// claim. Errors here are swallowed: preservation is best effort and never
// blocks resumption.
func unknownFields(ctxRaw json.RawMessage, payload *contextPayload) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(ctxRaw, &all); err != nil {
		return nil
	}
	knownRaw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(knownRaw, &known); err != nil {
		return nil
	}
	for k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}
