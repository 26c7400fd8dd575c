// Package loader lands transformed exports in PostgreSQL. It composes two
// insertion strategies: bulk multi-row statements for the high-volume tables
// (conversations, messages) with a per-row fallback on constraint errors,
// and individual statements for the low-volume ones (archives, structured
// side tables). Each conversation's messages commit in a single transaction;
// conversations are independent transactions, so a failure mid-load never
// leaves a conversation half-written.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatvault/skypetl/pkg/database"
	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/models"
	"github.com/chatvault/skypetl/pkg/observability"
)

// messageColumns is the insert column list for the messages table; bulk and
// per-row paths share it so the fallback can never drift.
const messageColumns = `conversation_id, message_id, timestamp, sender_id, sender_name, message_type, raw_content, cleaned_content, is_edited`

const messageColumnCount = 9

// Loader writes archives, conversations, messages, and structured side
// tables for one run. It owns a single connection pool; writes are issued
// sequentially, never across workers.
type Loader struct {
	rc      *etl.RunContext
	dbCfg   database.Config
	client  *database.Client
	metrics *observability.Metrics

	batchSize   int
	stmtTimeout time.Duration
}

// New creates a Loader bound to one run. Connect must be called before any
// load operation. metrics may be nil.
func New(rc *etl.RunContext, dbCfg database.Config, stmtTimeout time.Duration, metrics *observability.Metrics) *Loader {
	batch := rc.BatchSize
	if batch < 1 {
		batch = 1
	}
	if stmtTimeout <= 0 {
		stmtTimeout = 60 * time.Second
	}
	return &Loader{
		rc:          rc,
		dbCfg:       dbCfg,
		metrics:     metrics,
		batchSize:   batch,
		stmtTimeout: stmtTimeout,
	}
}

// NewWithClient wraps an already-connected client; used by tests and
// embedding callers that manage the connection themselves.
func NewWithClient(rc *etl.RunContext, client *database.Client, stmtTimeout time.Duration, metrics *observability.Metrics) *Loader {
	l := New(rc, client.Config(), stmtTimeout, metrics)
	l.client = client
	return l
}

// Connect opens the connection pool and applies schema migrations. Transient
// startup failures follow the reconnect backoff schedule before giving up.
func (l *Loader) Connect(ctx context.Context) error {
	if l.client != nil {
		return nil
	}
	client, err := database.NewClient(ctx, l.dbCfg)
	for attempt := 0; err != nil && isConnectionError(err) && attempt < len(reconnectBackoff); attempt++ {
		slog.Warn("Database connect failed, retrying",
			"attempt", attempt+1,
			"backoff", reconnectBackoff[attempt],
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff[attempt]):
		}
		client, err = database.NewClient(ctx, l.dbCfg)
	}
	if err != nil {
		return etl.NewLoadError("connect to database", err)
	}
	l.client = client
	return nil
}

// Close releases the connection pool.
func (l *Loader) Close() {
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}

// stmtCtx bounds one statement with the per-statement timeout.
func (l *Loader) stmtCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.stmtTimeout)
}

// Load writes a whole transformed export: the archive row, then all
// conversations in bulk batches, then each conversation's messages in its
// own transaction. Returns the archive id.
func (l *Loader) Load(ctx context.Context, raw *models.RawExport, transformed *models.TransformedExport, fileSource string) (int64, error) {
	if l.client == nil {
		return 0, etl.NewValidationError("loader is not connected")
	}
	if raw == nil || transformed == nil {
		return 0, etl.NewValidationError("load called without raw and transformed data")
	}

	archiveID, err := l.RegisterArchive(ctx, raw.UserID, raw.ExportDate, raw.Raw, fileSource)
	if err != nil {
		return 0, err
	}

	convs := make([]*models.TransformedConversation, 0, len(transformed.Order))
	for _, id := range transformed.Order {
		convs = append(convs, transformed.Conversations[id])
	}
	if err := l.insertConversations(ctx, archiveID, convs); err != nil {
		return 0, err
	}

	for _, conv := range convs {
		if err := l.loadConversationMessages(ctx, conv); err != nil {
			return 0, err
		}
		l.rc.UpdateProgress(1, conv.MessageCount)
	}
	return archiveID, nil
}

// LoadStreamingBatch writes one conversation of a streaming run: the
// conversation row and its messages commit together in one transaction.
func (l *Loader) LoadStreamingBatch(ctx context.Context, archiveID int64, conv *models.TransformedConversation) error {
	if l.client == nil {
		return etl.NewValidationError("loader is not connected")
	}
	if conv == nil {
		return etl.NewValidationError("streaming batch without a conversation")
	}
	if err := l.insertConversations(ctx, archiveID, []*models.TransformedConversation{conv}); err != nil {
		return err
	}
	if err := l.loadConversationMessages(ctx, conv); err != nil {
		return err
	}
	l.rc.UpdateProgress(1, conv.MessageCount)
	return nil
}

// RegisterArchive upserts the archive row for (userID, exportDate) and
// returns its id. An existing row keeps its archive_id; the raw blob and
// file path are overwritten, so re-ingesting the same export never creates
// a duplicate archive.
func (l *Loader) RegisterArchive(ctx context.Context, userID, exportDate string, rawBlob []byte, fileSource string) (int64, error) {
	if l.client == nil {
		return 0, etl.NewValidationError("loader is not connected")
	}

	filePath := l.archiveFilePath(fileSource)
	fileName := filepath.Base(filePath)
	var fileSize int64
	if fileSource != "" {
		if info, err := os.Stat(fileSource); err == nil {
			fileSize = info.Size()
		}
	}

	var archiveID int64
	err := l.withReconnect(ctx, "register archive", func(ctx context.Context) error {
		sctx, cancel := l.stmtCtx(ctx)
		defer cancel()
		return l.client.Pool().QueryRow(sctx, `
			INSERT INTO archives (user_id, export_date, file_path, file_name, file_size, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, export_date) DO UPDATE SET
				file_path = EXCLUDED.file_path,
				file_name = EXCLUDED.file_name,
				file_size = EXCLUDED.file_size,
				raw_data  = EXCLUDED.raw_data
			RETURNING archive_id`,
			userID, exportDate, filePath, fileName, fileSize, rawBlob,
		).Scan(&archiveID)
	})
	if err != nil {
		return 0, etl.NewLoadError(fmt.Sprintf("register archive for user %s", userID), err)
	}
	slog.Info("Archive registered",
		"task_id", l.rc.TaskID,
		"archive_id", archiveID,
		"user_id", userID,
		"file_path", filePath)
	l.metrics.ObserveBatch("archives", 1)
	return archiveID, nil
}

// archiveFilePath resolves the persisted file path: the source path
// normalized to the .tar form the table's CHECK constraint demands, or a
// synthesized name when no source path is known.
func (l *Loader) archiveFilePath(fileSource string) string {
	if fileSource == "" {
		path := SynthesizeArchivePath(time.Now())
		slog.Warn("No input path available, synthesized archive path", "file_path", path)
		return path
	}
	path, modified := NormalizeArchivePath(fileSource)
	if modified {
		slog.Warn("Modified file path to satisfy archive constraint",
			"original", fileSource,
			"file_path", path)
	}
	return path
}

// insertConversations upserts conversation rows in bulk batches. A
// constraint failure inside a batch falls back to per-row insertion so one
// bad row cannot sink its batch.
func (l *Loader) insertConversations(ctx context.Context, archiveID int64, convs []*models.TransformedConversation) error {
	const cols = 6
	for start := 0; start < len(convs); start += l.batchSize {
		end := min(start+l.batchSize, len(convs))
		batch := convs[start:end]

		placeholders := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*cols)
		for i, conv := range batch {
			placeholders = append(placeholders, valuesTuple(i*cols, cols))
			args = append(args,
				conv.ID, conv.DisplayName, archiveID,
				nullable(conv.FirstMessageTime), nullable(conv.LastMessageTime), conv.MessageCount)
		}
		sql := `
			INSERT INTO conversations (conversation_id, display_name, archive_id, first_message_time, last_message_time, message_count)
			VALUES ` + strings.Join(placeholders, ", ") + `
			ON CONFLICT (conversation_id) DO UPDATE SET
				display_name       = EXCLUDED.display_name,
				archive_id         = EXCLUDED.archive_id,
				first_message_time = EXCLUDED.first_message_time,
				last_message_time  = EXCLUDED.last_message_time,
				message_count      = EXCLUDED.message_count`

		err := l.withReconnect(ctx, "insert conversations", func(ctx context.Context) error {
			sctx, cancel := l.stmtCtx(ctx)
			defer cancel()
			_, execErr := l.client.Pool().Exec(sctx, sql, args...)
			return execErr
		})
		if isConstraintError(err) {
			if err = l.insertConversationsIndividually(ctx, archiveID, batch); err != nil {
				return err
			}
		} else if err != nil {
			return etl.NewLoadError("insert conversations", err)
		}
		l.metrics.ObserveBatch("conversations", len(batch))
	}
	return nil
}

// insertConversationsIndividually is the per-row fallback after a bulk
// constraint failure: offending rows are recorded and skipped, the rest of
// the batch still lands.
func (l *Loader) insertConversationsIndividually(ctx context.Context, archiveID int64, convs []*models.TransformedConversation) error {
	for _, conv := range convs {
		err := l.withReconnect(ctx, "insert conversation", func(ctx context.Context) error {
			sctx, cancel := l.stmtCtx(ctx)
			defer cancel()
			_, execErr := l.client.Pool().Exec(sctx, `
				INSERT INTO conversations (conversation_id, display_name, archive_id, first_message_time, last_message_time, message_count)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (conversation_id) DO UPDATE SET
					display_name       = EXCLUDED.display_name,
					archive_id         = EXCLUDED.archive_id,
					first_message_time = EXCLUDED.first_message_time,
					last_message_time  = EXCLUDED.last_message_time,
					message_count      = EXCLUDED.message_count`,
				conv.ID, conv.DisplayName, archiveID,
				nullable(conv.FirstMessageTime), nullable(conv.LastMessageTime), conv.MessageCount)
			return execErr
		})
		if isConstraintError(err) {
			l.recordRowError(fmt.Sprintf("conversation %s violates a constraint", conv.ID), err)
			continue
		}
		if err != nil {
			return etl.NewLoadError(fmt.Sprintf("insert conversation %s", conv.ID), err)
		}
	}
	return nil
}

// loadConversationMessages writes one conversation's messages and their
// structured side rows in a single transaction. Existing messages for the
// conversation are replaced, keeping re-runs idempotent.
func (l *Loader) loadConversationMessages(ctx context.Context, conv *models.TransformedConversation) error {
	err := l.withReconnect(ctx, "load conversation messages", func(ctx context.Context) error {
		tx, err := l.client.Pool().Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		sctx, cancel := l.stmtCtx(ctx)
		_, err = tx.Exec(sctx, `DELETE FROM messages WHERE conversation_id = $1`, conv.ID)
		cancel()
		if err != nil {
			return err
		}

		if err := l.insertMessages(ctx, tx, conv); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return etl.NewLoadError(fmt.Sprintf("load messages for conversation %s", conv.ID), err)
	}
	return nil
}

// insertMessages bulk-inserts the conversation's messages inside tx, falling
// back to per-row insertion for a batch that trips a constraint. Each batch
// runs in a savepoint: a failed statement aborts the whole enclosing
// transaction until rolled back, so without the savepoint the fallback could
// never execute. Side-table rows are written after their messages, inside the
// same savepoint.
func (l *Loader) insertMessages(ctx context.Context, tx pgx.Tx, conv *models.TransformedConversation) error {
	ids := make([]string, len(conv.Messages))
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	for start := 0; start < len(conv.Messages); start += l.batchSize {
		end := min(start+l.batchSize, len(conv.Messages))

		placeholders := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*messageColumnCount)
		for i := start; i < end; i++ {
			placeholders = append(placeholders, valuesTuple((i-start)*messageColumnCount, messageColumnCount))
			args = append(args, messageArgs(conv.ID, ids[i], conv.Messages[i])...)
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return err
		}
		sctx, cancel := l.stmtCtx(ctx)
		_, err = sp.Exec(sctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES `+strings.Join(placeholders, ", "),
			args...)
		cancel()
		if err == nil {
			err = l.insertStructuredRows(ctx, sp, conv.Messages[start:end], ids[start:end])
		}
		if isConstraintError(err) {
			if rbErr := sp.Rollback(ctx); rbErr != nil {
				return rbErr
			}
			if err := l.insertMessagesIndividually(ctx, tx, conv, ids, start, end); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		if err := sp.Commit(ctx); err != nil {
			return err
		}
		l.metrics.ObserveBatch("messages", end-start)
	}
	return nil
}

// insertMessagesIndividually retries a failed batch row by row, each row and
// its side-table rows in their own savepoint. Rows that still violate a
// constraint are rolled back, recorded, and skipped; the rest of the batch
// and the enclosing conversation transaction stay intact.
func (l *Loader) insertMessagesIndividually(ctx context.Context, tx pgx.Tx, conv *models.TransformedConversation, ids []string, start, end int) error {
	for i := start; i < end; i++ {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return err
		}
		sctx, cancel := l.stmtCtx(ctx)
		_, err = sp.Exec(sctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES `+valuesTuple(0, messageColumnCount),
			messageArgs(conv.ID, ids[i], conv.Messages[i])...)
		cancel()
		if err == nil {
			err = l.insertStructuredRows(ctx, sp, conv.Messages[i:i+1], ids[i:i+1])
		}
		if isConstraintError(err) {
			if rbErr := sp.Rollback(ctx); rbErr != nil {
				return rbErr
			}
			l.recordRowError(fmt.Sprintf("message %d in conversation %s violates a constraint", i, conv.ID), err)
			continue
		}
		if err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		if err := sp.Commit(ctx); err != nil {
			return err
		}
		l.metrics.ObserveBatch("messages", 1)
	}
	return nil
}

// insertStructuredRows writes the side-table row for each message carrying a
// Media, Poll, or Location payload. Low volume; individual statements.
func (l *Loader) insertStructuredRows(ctx context.Context, tx pgx.Tx, msgs []*models.TransformedMessage, ids []string) error {
	for i, msg := range msgs {
		sd := msg.StructuredData
		if sd == nil {
			continue
		}
		var err error
		switch sd.Kind {
		case models.KindMedia:
			err = l.insertMediaRow(ctx, tx, ids[i], sd.Media)
		case models.KindPoll:
			err = l.insertPollRows(ctx, tx, ids[i], sd.Poll)
		case models.KindLocation:
			err = l.insertLocationRow(ctx, tx, ids[i], sd.Location)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) insertMediaRow(ctx context.Context, tx pgx.Tx, messageID string, m *models.MediaData) error {
	if m == nil {
		return nil
	}
	sctx, cancel := l.stmtCtx(ctx)
	defer cancel()
	_, err := tx.Exec(sctx, `
		INSERT INTO message_media (message_id, filename, filesize, filetype, url, thumbnail_url, width, height, duration_seconds, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		messageID, m.Filename, m.Filesize, m.Filetype, m.URL, m.ThumbnailURL,
		m.Width, m.Height, m.DurationSeconds, m.Description)
	if err == nil {
		l.metrics.ObserveBatch("message_media", 1)
	}
	return err
}

func (l *Loader) insertPollRows(ctx context.Context, tx pgx.Tx, messageID string, p *models.PollData) error {
	if p == nil {
		return nil
	}
	sctx, cancel := l.stmtCtx(ctx)
	_, err := tx.Exec(sctx,
		`INSERT INTO message_poll (message_id, question) VALUES ($1, $2)`,
		messageID, p.Question)
	cancel()
	if err != nil {
		return err
	}
	for pos, opt := range p.Options {
		sctx, cancel := l.stmtCtx(ctx)
		_, err := tx.Exec(sctx,
			`INSERT INTO message_poll_option (message_id, position, text, vote_count) VALUES ($1, $2, $3, $4)`,
			messageID, pos, opt.Text, opt.VoteCount)
		cancel()
		if err != nil {
			return err
		}
	}
	l.metrics.ObserveBatch("message_poll", 1+len(p.Options))
	return nil
}

func (l *Loader) insertLocationRow(ctx context.Context, tx pgx.Tx, messageID string, loc *models.LocationData) error {
	if loc == nil {
		return nil
	}
	sctx, cancel := l.stmtCtx(ctx)
	defer cancel()
	_, err := tx.Exec(sctx, `
		INSERT INTO message_location (message_id, latitude, longitude, address, map_url)
		VALUES ($1, $2, $3, $4, $5)`,
		messageID, loc.Latitude, loc.Longitude, loc.Address, loc.MapURL)
	if err == nil {
		l.metrics.ObserveBatch("message_location", 1)
	}
	return err
}

// recordRowError notes a skipped row as a non-fatal load error.
func (l *Loader) recordRowError(msg string, cause error) {
	rowErr := &etl.Error{Kind: etl.ErrLoad, Phase: etl.PhaseLoad, Msg: msg, Err: cause, Fatal: false}
	l.rc.RecordError(etl.PhaseLoad, rowErr, false)
	l.metrics.ObserveError(string(etl.PhaseLoad))
	slog.Warn("Row skipped during load", "reason", msg, "error", cause)
}

// messageArgs builds the argument tuple matching messageColumns.
func messageArgs(convID, messageID string, msg *models.TransformedMessage) []any {
	return []any{
		convID, messageID, msg.Timestamp, msg.FromID, msg.FromName,
		msg.Type, msg.RawContent, msg.CleanedContent, msg.IsEdited,
	}
}

// valuesTuple renders one parenthesized placeholder group: offset 0 with
// width 3 yields "($1, $2, $3)".
func valuesTuple(offset, width int) string {
	parts := make([]string, width)
	for i := 0; i < width; i++ {
		parts[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
