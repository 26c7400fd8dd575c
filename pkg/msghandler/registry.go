// Package msghandler maps Skype message-type strings to structured-data
// extractors. The registry is populated at construction and read-only
// afterwards, so concurrent lookups from transform workers need no locking.
package msghandler

import (
	"strings"

	"github.com/chatvault/skypetl/pkg/models"
)

// Handler extracts the type-specific structured payload from a raw message.
// Handlers must be safe for concurrent use and must not retain the message.
type Handler interface {
	Extract(msg *models.RawMessage) *models.StructuredData
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg *models.RawMessage) *models.StructuredData

func (f HandlerFunc) Extract(msg *models.RawMessage) *models.StructuredData {
	return f(msg)
}

// prefixRule routes a message-type family (e.g. "RichText/Media_") to one
// handler. Rules are checked in registration order after exact matches.
type prefixRule struct {
	prefix  string
	handler Handler
}

// Registry resolves message types to handlers. Lookup order: exact match,
// then family prefix match, then the Unknown fallback.
type Registry struct {
	exact    map[string]Handler
	prefixes []prefixRule
	unknown  Handler
}

// NewRegistry returns a registry populated with the handlers for all known
// Skype message types.
func NewRegistry() *Registry {
	r := &Registry{
		exact:   make(map[string]Handler),
		unknown: HandlerFunc(extractUnknown),
	}

	r.Register("Text", HandlerFunc(extractText))
	r.Register("RichText", HandlerFunc(extractRichText))
	r.Register("RichText/HTML", HandlerFunc(extractRichText))
	r.Register("RichText/Link", HandlerFunc(extractRichText))
	r.Register("RichText/UriObject", HandlerFunc(extractMedia))
	r.Register("RichText/Media_GenericFile", HandlerFunc(extractFileTransfer))
	r.Register("RichText/Location", HandlerFunc(extractLocation))
	r.Register("RichText/ScheduledCallInvite", HandlerFunc(extractScheduledCall))
	r.Register("RichText/Contacts", HandlerFunc(extractContactCard))
	r.Register("RichText/Deleted", HandlerFunc(extractDeleted))
	r.Register("Poll", HandlerFunc(extractPoll))
	r.Register("Event/Call", HandlerFunc(extractCall))

	r.RegisterPrefix("RichText/Media_", HandlerFunc(extractMedia))
	r.RegisterPrefix("ThreadActivity/", HandlerFunc(extractSystem))

	return r
}

// Register binds an exact message type to a handler. Not safe to call once
// lookups have started; registration happens at construction only.
func (r *Registry) Register(messageType string, h Handler) {
	r.exact[messageType] = h
}

// RegisterPrefix binds a message-type family prefix to a handler.
func (r *Registry) RegisterPrefix(prefix string, h Handler) {
	r.prefixes = append(r.prefixes, prefixRule{prefix: prefix, handler: h})
}

// HandlerFor resolves the handler for a message type. It never returns nil:
// unmatched types get the Unknown handler.
func (r *Registry) HandlerFor(messageType string) Handler {
	if h, ok := r.exact[messageType]; ok {
		return h
	}
	for _, rule := range r.prefixes {
		if strings.HasPrefix(messageType, rule.prefix) {
			return rule.handler
		}
	}
	return r.unknown
}
