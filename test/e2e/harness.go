// Package e2e runs the pipeline end to end against a real PostgreSQL
// instance: JSON and TAR inputs in, table contents out.
package e2e

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatvault/skypetl/pkg/config"
	"github.com/chatvault/skypetl/pkg/database"
	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/loader"
	"github.com/chatvault/skypetl/pkg/pipeline"
	"github.com/chatvault/skypetl/test/util"
)

// TestApp holds a pipeline wired to a per-test database schema.
type TestApp struct {
	Client *database.Client
	DBCfg  database.Config
	Config *config.PipelineConfig

	t *testing.T
}

// NewTestApp connects the shared test database and prepares an isolated
// schema and output directory for one test.
func NewTestApp(t *testing.T) *TestApp {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	client, dbCfg := util.SetupTestDatabase(t)

	cfg := config.DefaultPipelineConfig()
	cfg.OutputDir = t.TempDir()
	cfg.BatchSize = 3 // exercise batch boundaries with small fixtures
	cfg.CancelGracePeriod = 0

	return &TestApp{Client: client, DBCfg: dbCfg, Config: cfg, t: t}
}

// Orchestrator builds a pipeline orchestrator sharing the test schema's
// client, with optional component overrides applied by the caller through
// pipeline.NewWithComponents.
func (a *TestApp) Orchestrator() *pipeline.Orchestrator {
	return pipeline.New(a.Config, a.DBCfg, nil)
}

// RunContext builds a fresh run context on the app's config.
func (a *TestApp) RunContext() *etl.RunContext {
	return etl.NewRunContext("", a.Config)
}

// Loader builds a loader already connected to the test schema.
func (a *TestApp) Loader(rc *etl.RunContext) *loader.Loader {
	return loader.NewWithClient(rc, a.Client, a.Config.StatementTimeout, nil)
}

// CountRows returns the row count of a table in the test schema.
func (a *TestApp) CountRows(table string) int {
	a.t.Helper()
	var n int
	err := a.Client.Pool().QueryRow(context.Background(),
		"SELECT count(*) FROM "+table).Scan(&n)
	require.NoError(a.t, err)
	return n
}

// QueryStrings runs a query returning one text column.
func (a *TestApp) QueryStrings(query string, args ...any) []string {
	a.t.Helper()
	rows, err := a.Client.Pool().Query(context.Background(), query, args...)
	require.NoError(a.t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(a.t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(a.t, rows.Err())
	return out
}

// messageRow is one messages-table row as compared across runs.
type messageRow struct {
	ConversationID string
	Timestamp      string
	SenderID       string
	SenderName     string
	Type           string
	RawContent     string
	CleanedContent string
	IsEdited       bool
}

// MessageRows returns all message rows ordered per conversation.
func (a *TestApp) MessageRows() []messageRow {
	a.t.Helper()
	rows, err := a.Client.Pool().Query(context.Background(), `
		SELECT conversation_id, timestamp, sender_id, sender_name, message_type,
		       raw_content, cleaned_content, is_edited
		FROM messages
		ORDER BY conversation_id, timestamp, raw_content`)
	require.NoError(a.t, err)
	defer rows.Close()
	var out []messageRow
	for rows.Next() {
		var m messageRow
		require.NoError(a.t, rows.Scan(&m.ConversationID, &m.Timestamp, &m.SenderID,
			&m.SenderName, &m.Type, &m.RawContent, &m.CleanedContent, &m.IsEdited))
		out = append(out, m)
	}
	require.NoError(a.t, rows.Err())
	return out
}

// TruncateAll clears the domain tables so one test can run twice against the
// same schema.
func (a *TestApp) TruncateAll() {
	a.t.Helper()
	_, err := a.Client.Pool().Exec(context.Background(),
		"TRUNCATE archives, conversations, messages, message_media, message_poll, message_poll_option, message_location")
	require.NoError(a.t, err)
}

// WriteInput writes an export document to a temp file and returns its path.
func (a *TestApp) WriteInput(name string, data []byte) string {
	a.t.Helper()
	path := filepath.Join(a.t.TempDir(), name)
	require.NoError(a.t, os.WriteFile(path, data, 0o644))
	return path
}

// WriteTarInput packs the document into a tarball with a media sibling entry
// and returns the tarball path.
func (a *TestApp) WriteTarInput(name string, doc []byte) string {
	a.t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{"media/photo.png", []byte("not json")},
		{"messages.json", doc},
	} {
		require.NoError(a.t, tw.WriteHeader(&tar.Header{
			Name: entry.name,
			Mode: 0o644,
			Size: int64(len(entry.body)),
		}))
		_, err := tw.Write(entry.body)
		require.NoError(a.t, err)
	}
	require.NoError(a.t, tw.Close())
	return a.WriteInput(name, buf.Bytes())
}

// exportDoc renders a synthetic export with the given number of
// conversations and messages per conversation.
func exportDoc(userID string, conversations, messagesEach int) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, `{"userId":%q,"exportDate":"2023-06-15T00:00:00Z","conversations":[`, userID)
	for i := 0; i < conversations; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"id":"8:contact%d","displayName":"Contact %d","MessageList":[`, i, i)
		for j := 0; j < messagesEach; j++ {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b,
				`{"id":"m%d-%d","displayName":"Contact %d","originalarrivaltime":"2023-06-15T%02d:%02d:%02dZ","from":"8:contact%d","content":"message %d","messagetype":"RichText"}`,
				i, j, i, 10+j/3600, (j/60)%60, j%60, i, j)
		}
		b.WriteString(`]}`)
	}
	b.WriteString(`]}`)
	return b.Bytes()
}
