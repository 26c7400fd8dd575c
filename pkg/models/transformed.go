package models

// TransformedMetadata is the export-level header after transformation.
type TransformedMetadata struct {
	UserID              string `json:"user_id"`
	UserDisplayName     string `json:"user_display_name"`
	ExportDate          string `json:"export_date"`           // raw string from the input
	ExportDateFormatted string `json:"export_date_formatted"` // "2006-01-02 15:04:05" or "" if unparseable
	ConversationCount   int    `json:"conversation_count"`
}

// TransformedExport is the normalized form of a RawExport. Conversations is
// keyed by conversation id; Order preserves the input order of the ids since
// map iteration order is unspecified.
type TransformedExport struct {
	Metadata      TransformedMetadata                 `json:"metadata"`
	Conversations map[string]*TransformedConversation `json:"conversations"`
	Order         []string                            `json:"conversation_order"`
}

// TransformedConversation is one conversation after cleaning and ordering.
// Messages are sorted by parsed timestamp ascending; messages whose timestamp
// failed to parse form a suffix in original input order.
type TransformedConversation struct {
	ID               string                `json:"id"`
	DisplayName      string                `json:"display_name"` // sanitized, never empty for retained conversations
	MessageCount     int                   `json:"message_count"`
	FirstMessageTime string                `json:"first_message_time,omitempty"`
	LastMessageTime  string                `json:"last_message_time,omitempty"`
	Messages         []*TransformedMessage `json:"messages"`
}

// TransformedMessage is one message after timestamp parsing, content
// cleaning, and structured-data extraction.
type TransformedMessage struct {
	Timestamp          string          `json:"timestamp"`           // raw originalarrivaltime, preserved verbatim
	TimestampFormatted string          `json:"timestamp_formatted"` // "2006-01-02 15:04:05", empty if unparseable
	Date               string          `json:"date"`                // "2006-01-02", empty if unparseable
	Time               string          `json:"time"`                // "15:04:05", empty if unparseable
	FromID             string          `json:"from_id"`
	FromName           string          `json:"from_name"` // resolved via the identity map
	Type               string          `json:"type"`
	RawContent         string          `json:"raw_content"`
	CleanedContent     string          `json:"cleaned_content"`
	IsEdited           bool            `json:"is_edited"`
	EditNote           string          `json:"edit_note,omitempty"`
	StructuredData     *StructuredData `json:"structured_data,omitempty"`
}
