// Package models defines the data shapes shared across the pipeline:
// the raw Skype export document, the transformed output, the structured
// per-message payloads, and the run summary. Types here carry no behavior
// beyond JSON marshaling.
package models

// RawExport is the top-level Skype export document as found in the input
// file. Field names follow the export's wire format, not Go convention.
type RawExport struct {
	UserID        string            `json:"userId"`
	ExportDate    string            `json:"exportDate"` // ISO-8601 string, validated by the extractor
	Conversations []RawConversation `json:"conversations"`

	// Raw holds the verbatim document bytes when the whole file was read
	// at once. Used for the archive blob and the post-extract checkpoint;
	// empty in streaming mode.
	Raw []byte `json:"-"`
}

// RawConversation is one conversation entry of the export.
type RawConversation struct {
	ID          string       `json:"id"`          // e.g. "8:alice" or "19:...@thread.skype"
	DisplayName *string      `json:"displayName"` // null for one-on-one chats
	MessageList []RawMessage `json:"MessageList"`
}

// RawMessage is one message entry of a conversation. Content may contain
// Skype's HTML-ish markup.
type RawMessage struct {
	ID                  string  `json:"id"`
	DisplayName         *string `json:"displayName"`
	OriginalArrivalTime string  `json:"originalarrivaltime"`
	MessageType         string  `json:"messagetype"`
	From                string  `json:"from"`
	Content             string  `json:"content"`
}
