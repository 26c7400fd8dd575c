package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatvault/skypetl/pkg/config"
	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/extract"
	"github.com/chatvault/skypetl/pkg/models"
	"github.com/chatvault/skypetl/pkg/msghandler"
	"github.com/chatvault/skypetl/pkg/reader"
	"github.com/chatvault/skypetl/pkg/transform"
)

type fakeExtractor struct {
	raw   *models.RawExport
	err   error
	calls int
}

func (f *fakeExtractor) Extract(string) (*models.RawExport, error) {
	f.calls++
	return f.raw, f.err
}

func (f *fakeExtractor) ExtractReader(io.Reader, string) (*models.RawExport, error) {
	f.calls++
	return f.raw, f.err
}

func (f *fakeExtractor) ExtractStream(string) (*reader.ConversationStream, error) {
	return nil, errors.New("streaming not supported by fake")
}

type fakeTransformer struct {
	out   *models.TransformedExport
	err   error
	calls int
}

func (f *fakeTransformer) Transform(context.Context, *models.RawExport, string) (*models.TransformedExport, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeTransformer) TransformConversation(conv *models.RawConversation) (*models.TransformedConversation, error) {
	return &models.TransformedConversation{ID: conv.ID}, nil
}

type fakeLoader struct {
	archiveID  int64
	connectErr error
	loadErr    error

	connected bool
	closed    bool
	loaded    *models.TransformedExport
	source    string
}

func (f *fakeLoader) Connect(context.Context) error { f.connected = true; return f.connectErr }
func (f *fakeLoader) Close()                        { f.closed = true }

func (f *fakeLoader) Load(_ context.Context, _ *models.RawExport, transformed *models.TransformedExport, fileSource string) (int64, error) {
	if f.loadErr != nil {
		return 0, f.loadErr
	}
	f.loaded = transformed
	f.source = fileSource
	return f.archiveID, nil
}

func (f *fakeLoader) RegisterArchive(context.Context, string, string, []byte, string) (int64, error) {
	return f.archiveID, nil
}

func (f *fakeLoader) LoadStreamingBatch(context.Context, int64, *models.TransformedConversation) error {
	return nil
}

func testRaw() *models.RawExport {
	return &models.RawExport{
		UserID:     "live:u1",
		ExportDate: "2023-01-01T00:00:00Z",
		Conversations: []models.RawConversation{
			{ID: "8:alice", MessageList: []models.RawMessage{
				{ID: "m1", OriginalArrivalTime: "2023-01-01T00:00:01Z", From: "8:alice", Content: "hi", MessageType: "Text"},
			}},
		},
		Raw: []byte(`{"userId":"live:u1","exportDate":"2023-01-01T00:00:00Z","conversations":[]}`),
	}
}

func testTransformed() *models.TransformedExport {
	return &models.TransformedExport{
		Metadata: models.TransformedMetadata{UserID: "live:u1", ConversationCount: 1},
		Conversations: map[string]*models.TransformedConversation{
			"8:alice": {ID: "8:alice", DisplayName: "alice", MessageCount: 1},
		},
		Order: []string{"8:alice"},
	}
}

func testConfig(t *testing.T) *config.PipelineConfig {
	cfg := config.DefaultPipelineConfig()
	cfg.OutputDir = t.TempDir()
	cfg.CancelGracePeriod = 0
	return cfg
}

func newFakeOrchestrator(t *testing.T, cfg *config.PipelineConfig, ex *fakeExtractor, tr *fakeTransformer, ld *fakeLoader) *Orchestrator {
	t.Helper()
	rc := etl.NewRunContext("", cfg)
	return NewWithComponents(rc, cfg, ex, tr, ld, nil)
}

func TestRunHappyPath(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExtractor{raw: testRaw()}
	tr := &fakeTransformer{out: testTransformed()}
	ld := &fakeLoader{archiveID: 42}
	o := newFakeOrchestrator(t, cfg, ex, tr, ld)

	summary, err := o.Run(context.Background(), "/data/export.json", "Me")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, int64(42), summary.ArchiveID)
	assert.Equal(t, 1, ex.calls)
	assert.Equal(t, 1, tr.calls)
	assert.True(t, ld.connected)
	assert.True(t, ld.closed)
	assert.Equal(t, "/data/export.json", ld.source)
	assert.Contains(t, summary.Phases, "extract")
	assert.Contains(t, summary.Phases, "transform")
	assert.Contains(t, summary.Phases, "load")
}

func TestRunExtractionFailureCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExtractor{err: etl.NewExtractionError("broken document", nil)}
	o := newFakeOrchestrator(t, cfg, ex, &fakeTransformer{}, &fakeLoader{})

	summary, err := o.Run(context.Background(), "/data/export.json", "")
	require.ErrorIs(t, err, etl.ErrExtraction)
	assert.False(t, summary.Success)
	require.NotEmpty(t, summary.Errors)
	assert.True(t, summary.Errors[0].Fatal)

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, paths, 1, "failure leaves a checkpoint behind")
}

func TestRunResumesAfterTransformFailure(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExtractor{raw: testRaw()}
	tr := &fakeTransformer{err: etl.NewTransformationError("injected failure", nil)}
	o := newFakeOrchestrator(t, cfg, ex, tr, &fakeLoader{})

	_, err := o.Run(context.Background(), "/data/export.json", "")
	require.ErrorIs(t, err, etl.ErrTransformation)

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	// restore and finish the run with a working transformer
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	rc, err := etl.Deserialize(data)
	require.NoError(t, err)
	require.NotNil(t, rc.RawData, "checkpoint carries the raw artifact")
	assert.True(t, rc.CanResumeFrom(etl.PhaseTransform))

	ex2 := &fakeExtractor{}
	tr2 := &fakeTransformer{out: testTransformed()}
	ld2 := &fakeLoader{archiveID: 7}
	resumed := NewWithComponents(rc, cfg, ex2, tr2, ld2, nil)

	summary, err := resumed.Run(context.Background(), "", "")
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, int64(7), summary.ArchiveID)
	assert.Zero(t, ex2.calls, "extract phase skipped on resume")
	assert.Equal(t, 1, tr2.calls)
	assert.NotNil(t, ld2.loaded)
}

func TestRunResumesAtLoadWhenTransformedDataPresent(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExtractor{raw: testRaw()}
	tr := &fakeTransformer{out: testTransformed()}
	ld := &fakeLoader{loadErr: etl.NewLoadError("db down", nil)}
	o := newFakeOrchestrator(t, cfg, ex, tr, ld)

	_, err := o.Run(context.Background(), "/data/export.json", "")
	require.ErrorIs(t, err, etl.ErrLoad)

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	rc, err := etl.Deserialize(data)
	require.NoError(t, err)
	require.NotNil(t, rc.TransformedData)

	ex2, tr2 := &fakeExtractor{}, &fakeTransformer{}
	ld2 := &fakeLoader{archiveID: 9}
	resumed := NewWithComponents(rc, cfg, ex2, tr2, ld2, nil)

	summary, err := resumed.Run(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(9), summary.ArchiveID)
	assert.Zero(t, ex2.calls)
	assert.Zero(t, tr2.calls, "transform phase skipped, checkpoint carries transformed data")
}

func TestRunConnectFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	ld := &fakeLoader{connectErr: etl.NewLoadError("connect to database", nil)}
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{raw: testRaw()}, &fakeTransformer{out: testTransformed()}, ld)

	summary, err := o.Run(context.Background(), "/data/export.json", "")
	require.ErrorIs(t, err, etl.ErrLoad)
	assert.False(t, summary.Success)
}

func TestCancelBeforeRun(t *testing.T) {
	cfg := testConfig(t)
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{raw: testRaw()}, &fakeTransformer{out: testTransformed()}, &fakeLoader{})

	o.Cancel()
	o.Cancel() // idempotent

	summary, err := o.Run(context.Background(), "/data/export.json", "")
	require.ErrorIs(t, err, etl.ErrCancelled)
	assert.False(t, summary.Success)

	paths, err := AvailableCheckpoints(cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, paths, 1, "cancellation leaves a checkpoint behind")
}

func TestRunWithCancelledContext(t *testing.T) {
	cfg := testConfig(t)
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{raw: testRaw()}, &fakeTransformer{out: testTransformed()}, &fakeLoader{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, "/data/export.json", "")
	assert.ErrorIs(t, err, etl.ErrCancelled)
}

func TestRunReaderUsesSynthesizedSource(t *testing.T) {
	cfg := testConfig(t)
	ld := &fakeLoader{archiveID: 3}
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{raw: testRaw()}, &fakeTransformer{out: testTransformed()}, ld)

	summary, err := o.RunReader(context.Background(), nil, "upload", "")
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Empty(t, ld.source, "no input path reaches the loader; it synthesizes one")
}

// streamingLoader mimics the real loader's progress attribution: each landed
// conversation is recorded once by the loader, never by the orchestrator.
type streamingLoader struct {
	fakeLoader
	rc      *etl.RunContext
	batches int
}

func (f *streamingLoader) LoadStreamingBatch(_ context.Context, _ int64, conv *models.TransformedConversation) error {
	f.batches++
	f.rc.UpdateProgress(1, conv.MessageCount)
	return nil
}

func TestRunStreamingCountsEachMessageOnce(t *testing.T) {
	cfg := testConfig(t)
	doc := `{"userId":"live:u1","exportDate":"2023-01-01T00:00:00Z","conversations":[` +
		`{"id":"8:a","displayName":"A","MessageList":[` +
		`{"id":"m1","originalarrivaltime":"2023-01-01T00:00:01Z","from":"8:a","content":"one","messagetype":"RichText"},` +
		`{"id":"m2","originalarrivaltime":"2023-01-01T00:00:02Z","from":"8:a","content":"two","messagetype":"RichText"}]},` +
		`{"id":"8:b","displayName":"B","MessageList":[` +
		`{"id":"m3","originalarrivaltime":"2023-01-01T00:00:03Z","from":"8:b","content":"three","messagetype":"RichText"},` +
		`{"id":"m4","originalarrivaltime":"2023-01-01T00:00:04Z","from":"8:b","content":"four","messagetype":"RichText"},` +
		`{"id":"m5","originalarrivaltime":"2023-01-01T00:00:05Z","from":"8:b","content":"five","messagetype":"RichText"}]}]}`
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rc := etl.NewRunContext("", cfg)
	ld := &streamingLoader{fakeLoader: fakeLoader{archiveID: 5}, rc: rc}
	o := NewWithComponents(rc, cfg,
		extract.New(rc, reader.NewFileReader()),
		transform.New(rc, msghandler.NewRegistry(), nil),
		ld, nil)

	summary, err := o.RunStreaming(context.Background(), path, "Me")
	require.NoError(t, err)
	require.True(t, summary.Success)
	assert.Equal(t, 2, ld.batches)
	assert.Equal(t, 2, summary.ConversationCount)
	assert.Equal(t, 5, summary.MessageCount, "each streamed message is counted exactly once")
}

func TestSummaryCarriesNonFatalErrors(t *testing.T) {
	cfg := testConfig(t)
	o := newFakeOrchestrator(t, cfg, &fakeExtractor{raw: testRaw()}, &fakeTransformer{out: testTransformed()}, &fakeLoader{})
	o.rc.RecordError(etl.PhaseTransform, etl.NewTransformationError("skipped message", nil), false)

	summary, err := o.Run(context.Background(), "/data/export.json", "")
	require.NoError(t, err)
	assert.True(t, summary.Success, "non-fatal errors do not fail the run")
	assert.Len(t, summary.Errors, 1)
}
