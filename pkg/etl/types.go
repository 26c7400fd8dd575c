// Package etl holds the shared execution state for a pipeline run: the
// RunContext passed by reference to every phase component, the classified
// error types, and the versioned checkpoint format used for crash-safe
// resumption. Components never reach outside their parameters for state;
// the RunContext is the single shared mutable object of a run.
package etl

import "time"

// Phase identifies a pipeline stage. PhaseDone and PhaseFailed are
// orchestrator-level states and are never set as a RunContext current phase.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseLoad      Phase = "load"
	PhaseStreaming Phase = "streaming" // fused extract+transform+load pass
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// runnable reports whether a phase may become the active RunContext phase.
func (p Phase) runnable() bool {
	switch p {
	case PhaseExtract, PhaseTransform, PhaseLoad, PhaseStreaming:
		return true
	default:
		return false
	}
}

// maxErrorRecords bounds the error list on the run context; the oldest
// entries are elided beyond the cap.
const maxErrorRecords = 1000

// maxMemorySamples bounds the memory sample history kept in metrics.
const maxMemorySamples = 256

// RunMetrics aggregates run-wide measurements. Access goes through the
// RunContext, which guards it with its mutex.
type RunMetrics struct {
	StartTime         time.Time          `json:"start_time"`
	BytesRead         int64              `json:"bytes_read"`
	ConversationCount int                `json:"conversation_count"`
	MessageCount      int                `json:"message_count"`
	MemorySamplesMB   []float64          `json:"memory_samples_mb,omitempty"`
	PeakMemoryMB      float64            `json:"peak_memory_mb,omitempty"`
	PhaseDurations    map[string]float64 `json:"phase_durations,omitempty"` // seconds, keyed by phase
}

// PhaseSnapshot records that a phase checkpoint was taken and which data
// artifacts were captured with it. Resumption decisions are made from these.
type PhaseSnapshot struct {
	Phase                    Phase  `json:"phase"`
	CreatedAt                string `json:"created_at"` // RFC3339
	RawDataAvailable         bool   `json:"raw_data_available"`
	TransformedDataAvailable bool   `json:"transformed_data_available"`
	ProcessedConversations   int    `json:"processed_conversations"`
	ProcessedMessages        int    `json:"processed_messages"`
}
