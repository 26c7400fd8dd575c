package models

// PhaseResult captures duration and throughput for one completed phase.
type PhaseResult struct {
	Phase                  string  `json:"phase"`
	DurationSeconds        float64 `json:"duration_seconds"`
	ProcessedConversations int     `json:"processed_conversations"`
	ProcessedMessages      int     `json:"processed_messages"`
	MessagesPerSecond      float64 `json:"messages_per_second"` // 0.0 when duration is zero
}

// ErrorRecord is one error recorded during a run.
type ErrorRecord struct {
	Phase     string `json:"phase"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal"`
	Timestamp string `json:"timestamp"` // RFC3339
}

// Summary is the user-visible result of a pipeline run.
type Summary struct {
	Success              bool                   `json:"success"`
	TaskID               string                 `json:"task_id"`
	ArchiveID            int64                  `json:"archive_id,omitempty"` // persisted archive row, 0 when the run never reached the database
	InputPath            string                 `json:"input_path,omitempty"`
	TotalDurationSeconds float64                `json:"total_duration_seconds"`
	Phases               map[string]PhaseResult `json:"phases,omitempty"`
	ConversationCount    int                    `json:"conversation_count"`
	MessageCount         int                    `json:"message_count"`
	Errors               []ErrorRecord          `json:"errors,omitempty"`  // bounded, oldest entries elided past the cap
	ErrorsDropped        int                    `json:"errors_dropped,omitempty"`
}
