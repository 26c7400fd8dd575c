// Package extract validates raw export documents and produces the artifacts
// the transform phase consumes: the whole document for buffered runs, or a
// validated header plus conversation stream for streaming runs. When an
// output directory is configured the raw document is preserved verbatim on
// disk so transformations can be re-run without re-ingestion.
package extract

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/models"
	"github.com/chatvault/skypetl/pkg/reader"
)

// rawCopyName is the filename of the verbatim document copy in the output
// directory.
const rawCopyName = "raw_data.json"

// Extractor reads and validates export documents for one run.
type Extractor struct {
	rc     *etl.RunContext
	reader *reader.FileReader
}

// New creates an Extractor bound to one run.
func New(rc *etl.RunContext, fr *reader.FileReader) *Extractor {
	return &Extractor{rc: rc, reader: fr}
}

// Extract reads the export at path, validates its shape, preserves the raw
// copy, and records extraction metrics.
func (e *Extractor) Extract(path string) (*models.RawExport, error) {
	raw, err := e.reader.Read(path)
	if err != nil {
		return nil, err
	}
	return e.finish(raw)
}

// ExtractReader reads the export from an open reader; name appears in error
// messages only.
func (e *Extractor) ExtractReader(src io.Reader, name string) (*models.RawExport, error) {
	raw, err := e.reader.ReadObject(src, name)
	if err != nil {
		return nil, err
	}
	return e.finish(raw)
}

func (e *Extractor) finish(raw *models.RawExport) (*models.RawExport, error) {
	if err := validate(raw); err != nil {
		return nil, err
	}
	if err := e.writeRawCopy(raw.Raw); err != nil {
		return nil, err
	}
	e.rc.SetConversationCount(len(raw.Conversations))
	e.rc.AddBytesRead(int64(len(raw.Raw)))
	slog.Info("Export extracted",
		"task_id", e.rc.TaskID,
		"user_id", raw.UserID,
		"conversations", len(raw.Conversations),
		"bytes", len(raw.Raw))
	return raw, nil
}

// ExtractStream opens a streaming pass over the export at path. The header
// is validated eagerly; conversations are decoded lazily by the caller.
func (e *Extractor) ExtractStream(path string) (*reader.ConversationStream, error) {
	stream, err := e.reader.Stream(path)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(stream.UserID, stream.ExportDate); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

// validate checks the top-level document contract: userId and exportDate
// present and well-formed, conversations an array.
func validate(raw *models.RawExport) error {
	if err := validateHeader(raw.UserID, raw.ExportDate); err != nil {
		return err
	}
	if raw.Conversations == nil {
		return etl.NewExtractionError("document has no conversations array", nil)
	}
	return nil
}

func validateHeader(userID, exportDate string) error {
	if userID == "" {
		return etl.NewExtractionError("document is missing userId", nil)
	}
	if exportDate == "" {
		return etl.NewExtractionError("document is missing exportDate", nil)
	}
	if !etl.ValidTimestamp(exportDate) {
		return etl.NewExtractionError(fmt.Sprintf("exportDate %q is not a valid timestamp", exportDate), nil)
	}
	return nil
}

// writeRawCopy lands the verbatim document under the output directory. A
// missing output directory configuration disables the copy.
func (e *Extractor) writeRawCopy(data []byte) error {
	if e.rc.OutputDir == "" || len(data) == 0 {
		return nil
	}
	if err := os.MkdirAll(e.rc.OutputDir, 0o755); err != nil {
		return etl.NewExtractionError("create output directory", err)
	}
	path := filepath.Join(e.rc.OutputDir, rawCopyName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return etl.NewExtractionError("write raw data copy", err)
	}
	slog.Debug("Raw document preserved", "path", path)
	return nil
}
