// Package reader opens Skype export inputs: bare JSON documents or TAR
// archives containing them, optionally compressed with gzip, bzip2, or zstd
// (detected by magic bytes, not extension). It offers two access modes: whole
// document reads and a lazy single-pass conversation stream for inputs whose
// in-memory form would not fit the memory budget.
package reader

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/models"
)

var (
	// ErrAmbiguousArchive is returned when an archive carries more than one
	// JSON entry and auto-selection is disabled.
	ErrAmbiguousArchive = errors.New("archive contains multiple JSON entries")

	// ErrUnsafeArchivePath is returned for absolute or parent-escaping
	// archive entry names.
	ErrUnsafeArchivePath = errors.New("unsafe archive entry path")
)

// Export documents are typically one huge line; read through a buffer much
// larger than the bufio default.
const readBufferSize = 1 << 20

// FileReader opens export inputs and decodes them into raw documents.
type FileReader struct {
	// AutoSelectJSON picks the first JSON entry in archive order when a
	// tarball carries more than one. When false, multiple candidates fail
	// with ErrAmbiguousArchive.
	AutoSelectJSON bool
}

// NewFileReader returns a FileReader with auto-selection enabled.
func NewFileReader() *FileReader {
	return &FileReader{AutoSelectJSON: true}
}

// Read opens path and decodes the export document. Dispatch is by extension:
// .json reads the whole file, anything else is treated as a TAR archive.
func (r *FileReader) Read(path string) (*models.RawExport, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, etl.NewExtractionError("open input file", err)
		}
		defer f.Close()
		return r.ReadObject(f, path)
	}
	return r.ReadTarball(path)
}

// ReadObject decodes an export document from an open reader. name appears in
// error messages only.
func (r *FileReader) ReadObject(src io.Reader, name string) (*models.RawExport, error) {
	data, err := io.ReadAll(bufio.NewReaderSize(src, readBufferSize))
	if err != nil {
		return nil, etl.NewExtractionError(fmt.Sprintf("read %s", name), err)
	}
	return parseExport(data, name)
}

// ReadTarball extracts the export document from a TAR archive. Compression
// is detected by magic bytes. Non-JSON entries are ignored; absolute and
// parent-escaping entry names fail the whole archive.
func (r *FileReader) ReadTarball(path string) (*models.RawExport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, etl.NewExtractionError("open archive", err)
	}
	defer f.Close()

	src, closeSrc, err := newDecompressingReader(f)
	if err != nil {
		return nil, etl.NewExtractionError(fmt.Sprintf("open compressed archive %s", path), err)
	}
	if closeSrc != nil {
		defer func() { _ = closeSrc() }()
	}

	var (
		chosen     []byte
		chosenName string
		candidates int
	)
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, etl.NewExtractionError(fmt.Sprintf("read archive %s", path), err)
		}
		if err := checkEntryName(hdr.Name); err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || !strings.EqualFold(filepath.Ext(hdr.Name), ".json") {
			continue
		}
		candidates++
		if candidates > 1 {
			if !r.AutoSelectJSON {
				return nil, &etl.Error{
					Kind:  etl.ErrExtraction,
					Phase: etl.PhaseExtract,
					Msg:   fmt.Sprintf("archive %s", path),
					Err:   ErrAmbiguousArchive,
					Fatal: true,
				}
			}
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, etl.NewExtractionError(fmt.Sprintf("read archive entry %s", hdr.Name), err)
		}
		chosen, chosenName = data, hdr.Name
	}

	if candidates == 0 {
		return nil, etl.NewExtractionError(fmt.Sprintf("archive %s has no JSON entry", path), nil)
	}
	if candidates > 1 {
		slog.Debug("Multiple JSON entries in archive, using the first",
			"path", path,
			"chosen", chosenName,
			"candidates", candidates)
	}
	return parseExport(chosen, chosenName)
}

// parseExport decodes document bytes and retains them verbatim for the
// archive blob.
func parseExport(data []byte, name string) (*models.RawExport, error) {
	var export models.RawExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, etl.NewExtractionError(fmt.Sprintf("parse %s", name), err)
	}
	export.Raw = data
	return &export, nil
}

// checkEntryName rejects absolute entry names and names with parent path
// segments. Entries are never written to disk, but a hostile archive should
// fail loudly rather than be half-processed.
func checkEntryName(name string) error {
	clean := filepath.ToSlash(name)
	unsafe := strings.HasPrefix(clean, "/")
	if !unsafe {
		for _, seg := range strings.Split(clean, "/") {
			if seg == ".." {
				unsafe = true
				break
			}
		}
	}
	if unsafe {
		return &etl.Error{
			Kind:  etl.ErrExtraction,
			Phase: etl.PhaseExtract,
			Msg:   fmt.Sprintf("archive entry %q", name),
			Err:   ErrUnsafeArchivePath,
			Fatal: true,
		}
	}
	return nil
}
