// Package transform normalizes raw Skype exports: timestamp parsing, content
// cleaning, identity resolution, per-type structured-data extraction, edit
// detection, and deterministic message ordering. Conversations are
// independent units and fan out across a bounded worker group; messages
// within one conversation are processed sequentially because edit detection
// and ordering depend on it.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/models"
	"github.com/chatvault/skypetl/pkg/msghandler"
	"github.com/chatvault/skypetl/pkg/observability"
)

// Transformer converts raw exports into their normalized form.
type Transformer struct {
	rc       *etl.RunContext
	registry *msghandler.Registry
	metrics  *observability.Metrics
}

// New creates a Transformer bound to one run. metrics may be nil.
func New(rc *etl.RunContext, registry *msghandler.Registry, metrics *observability.Metrics) *Transformer {
	return &Transformer{rc: rc, registry: registry, metrics: metrics}
}

// Transform normalizes a whole raw export. Per-conversation failures are
// recorded as non-fatal errors and exclude only that conversation; the
// returned error is non-nil only for an unusable input or cancellation.
func (t *Transformer) Transform(ctx context.Context, raw *models.RawExport, userDisplayName string) (*models.TransformedExport, error) {
	if raw == nil {
		return nil, etl.NewValidationError("transform called with nil raw export")
	}

	if userDisplayName == "" {
		userDisplayName = raw.UserID
	}
	t.rc.NoteIdentity(raw.UserID, userDisplayName)

	exportDateFormatted := ""
	if ts, ok := parseTimestamp(raw.ExportDate); ok {
		exportDateFormatted = formatTimestamp(ts)
	}

	results := make([]*models.TransformedConversation, len(raw.Conversations))
	if err := t.fanOut(ctx, raw.Conversations, results); err != nil {
		return nil, err
	}

	out := &models.TransformedExport{
		Metadata: models.TransformedMetadata{
			UserID:              raw.UserID,
			UserDisplayName:     userDisplayName,
			ExportDate:          raw.ExportDate,
			ExportDateFormatted: exportDateFormatted,
		},
		Conversations: make(map[string]*models.TransformedConversation, len(results)),
	}
	for _, conv := range results {
		if conv == nil {
			continue // failed conversation, already recorded
		}
		out.Conversations[conv.ID] = conv
		out.Order = append(out.Order, conv.ID)
	}
	out.Metadata.ConversationCount = len(out.Order)
	return out, nil
}

// fanOut transforms conversations into results, index-aligned with the
// input so output order never depends on scheduling. Parallelism applies
// when enabled and the input is big enough to matter.
func (t *Transformer) fanOut(ctx context.Context, convs []models.RawConversation, results []*models.TransformedConversation) error {
	parallel := t.rc.ParallelProcessing && t.rc.ChunkSize > 0 && len(convs) > 1
	if !parallel {
		for i := range convs {
			if err := ctx.Err(); err != nil {
				return etl.NewCancelledError(etl.PhaseTransform)
			}
			results[i] = t.transformOne(&convs[i])
		}
		return nil
	}

	workers := t.rc.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	chunk := t.rc.ChunkSize
	for start := 0; start < len(convs); start += chunk {
		end := min(start+chunk, len(convs))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return etl.NewCancelledError(etl.PhaseTransform)
				}
				results[i] = t.transformOne(&convs[i])
			}
			return nil
		})
	}
	return g.Wait()
}

// transformOne runs TransformConversation and folds failures into the run
// context as non-fatal errors. Returns nil when the conversation is excluded.
func (t *Transformer) transformOne(conv *models.RawConversation) *models.TransformedConversation {
	out, err := t.TransformConversation(conv)
	if err != nil {
		t.rc.RecordError(etl.PhaseTransform, err, false)
		t.metrics.ObserveError(string(etl.PhaseTransform))
		slog.Warn("Conversation excluded from transform", "conversation_id", conv.ID, "error", err)
		return nil
	}
	t.rc.UpdateProgress(1, out.MessageCount)
	t.metrics.ObserveProgress(1, out.MessageCount)
	return out
}

// TransformConversation normalizes one conversation: display-name policy,
// sequential message processing, then deterministic ordering. A panic in
// message handling is contained here and surfaces as a transformation error
// for this conversation only.
func (t *Transformer) TransformConversation(conv *models.RawConversation) (out *models.TransformedConversation, err error) {
	if conv == nil || conv.ID == "" {
		return nil, etl.NewTransformationError("conversation has no id", nil)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = etl.NewTransformationError(fmt.Sprintf("conversation %s panicked", conv.ID), fmt.Errorf("%v", r))
		}
	}()

	out = &models.TransformedConversation{
		ID:          conv.ID,
		DisplayName: conversationDisplayName(conv),
	}

	type orderedMessage struct {
		msg      *models.TransformedMessage
		parsed   bool
		parsedAt int64 // unix nanos, valid when parsed
	}
	ordered := make([]orderedMessage, 0, len(conv.MessageList))
	for i := range conv.MessageList {
		raw := &conv.MessageList[i]
		var prev *models.RawMessage
		if i > 0 {
			prev = &conv.MessageList[i-1]
		}
		msg, parsedAt, parsed := t.transformMessage(conv.ID, raw, prev)
		ordered = append(ordered, orderedMessage{msg: msg, parsed: parsed, parsedAt: parsedAt})
	}

	// parsed timestamps ascending; unparseable form a suffix in input order
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].parsed != ordered[b].parsed {
			return ordered[a].parsed
		}
		return ordered[a].parsed && ordered[a].parsedAt < ordered[b].parsedAt
	})

	out.Messages = make([]*models.TransformedMessage, len(ordered))
	for i := range ordered {
		out.Messages[i] = ordered[i].msg
	}
	out.MessageCount = len(out.Messages)
	if len(ordered) > 0 && ordered[0].parsed {
		out.FirstMessageTime = ordered[0].msg.TimestampFormatted
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].parsed {
			out.LastMessageTime = ordered[i].msg.TimestampFormatted
			break
		}
	}
	return out, nil
}

// conversationDisplayName applies the retention policy: a null name falls
// back to the sanitized right-hand side of the id, an empty name stays
// empty, anything else is sanitized.
func conversationDisplayName(conv *models.RawConversation) string {
	if conv.DisplayName == nil {
		return SanitizeDisplayName(fallbackDisplayName(conv.ID))
	}
	if *conv.DisplayName == "" {
		return ""
	}
	return SanitizeDisplayName(*conv.DisplayName)
}

// transformMessage normalizes a single message. A processing panic downgrades
// the message to type "Error" rather than losing the conversation.
func (t *Transformer) transformMessage(convID string, raw, prev *models.RawMessage) (msg *models.TransformedMessage, parsedAt int64, parsed bool) {
	defer func() {
		if r := recover(); r != nil {
			err := etl.NewTransformationError(
				fmt.Sprintf("message %s in conversation %s", raw.ID, convID), fmt.Errorf("%v", r))
			t.rc.RecordError(etl.PhaseTransform, err, false)
			t.metrics.ObserveError(string(etl.PhaseTransform))
			slog.Warn("Message processing failed", "conversation_id", convID, "message_id", raw.ID, "error", r)
			msg = &models.TransformedMessage{
				Timestamp: raw.OriginalArrivalTime,
				FromID:    raw.From,
				Type:      "Error",
			}
			parsedAt, parsed = 0, false
		}
	}()

	msg = &models.TransformedMessage{
		Timestamp:  raw.OriginalArrivalTime,
		FromID:     raw.From,
		Type:       raw.MessageType,
		RawContent: raw.Content,
	}

	if ts, ok := parseTimestamp(raw.OriginalArrivalTime); ok {
		parsed = true
		parsedAt = ts.UnixNano()
		msg.TimestampFormatted = formatTimestamp(ts)
		msg.Date = ts.UTC().Format("2006-01-02")
		msg.Time = ts.UTC().Format("15:04:05")
	}

	if raw.DisplayName != nil && *raw.DisplayName != "" {
		t.rc.NoteIdentity(raw.From, *raw.DisplayName)
	}
	msg.FromName = t.resolveSender(raw)

	msg.CleanedContent = CleanContent(displayContent(raw.MessageType, raw.Content))

	if prev != nil && raw.Content == prev.Content && msghandler.IsEditMarker(raw.Content) {
		msg.IsEdited = true
		at := msg.TimestampFormatted
		if at == "" {
			at = msg.Timestamp
		}
		msg.EditNote = "edited at " + at
	}

	msg.StructuredData = t.registry.HandlerFor(raw.MessageType).Extract(raw)
	if !t.rc.IncludeAttachments && msg.StructuredData != nil {
		switch msg.StructuredData.Kind {
		case models.KindMedia, models.KindFileTransfer:
			msg.StructuredData = nil
		}
	}
	return msg, parsedAt, parsed
}

// resolveSender picks the sender name: the message's own display name, then
// the identity map, then the id-derived fallback.
func (t *Transformer) resolveSender(raw *models.RawMessage) string {
	if raw.DisplayName != nil && *raw.DisplayName != "" {
		return *raw.DisplayName
	}
	if name, ok := t.rc.ResolveIdentity(raw.From); ok {
		return name
	}
	return fallbackDisplayName(raw.From)
}
