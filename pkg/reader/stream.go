package reader

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatvault/skypetl/pkg/etl"
	"github.com/chatvault/skypetl/pkg/models"
)

// ConversationStream is a lazy, single-pass cursor over the conversations of
// an export document. The top-level header is parsed eagerly so UserID and
// ExportDate are available before iteration; conversations are decoded one
// element at a time. The stream is finite and not restartable. Usage mirrors
// database row cursors:
//
//	stream, err := r.Stream(path)
//	if err != nil { ... }
//	defer stream.Close()
//	for stream.Next() {
//		conv := stream.Conversation()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type ConversationStream struct {
	// UserID and ExportDate come from header fields that precede the
	// conversations array in the document.
	UserID     string
	ExportDate string

	// Extra holds header fields other than userId and exportDate, verbatim.
	Extra map[string]json.RawMessage

	dec     *json.Decoder
	counter *countingReader
	closers []func() error
	current *models.RawConversation
	err     error
	done    bool
	closed  bool
}

// countingReader tracks how many bytes were consumed from the underlying
// source; placed below any decompression so it reports on-disk bytes.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Stream opens path and returns a conversation cursor. For archives the
// first JSON entry in archive order is streamed; uniqueness is not checked
// because checking would require a second pass.
func (r *FileReader) Stream(path string) (*ConversationStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, etl.NewExtractionError("open input file", err)
	}

	stream := &ConversationStream{
		counter: &countingReader{r: f},
		closers: []func() error{f.Close},
	}

	var src io.Reader
	if strings.EqualFold(filepath.Ext(path), ".json") {
		src = bufio.NewReaderSize(stream.counter, readBufferSize)
	} else {
		decompressed, closeSrc, err := newDecompressingReader(stream.counter)
		if err != nil {
			_ = stream.Close()
			return nil, etl.NewExtractionError(fmt.Sprintf("open compressed archive %s", path), err)
		}
		if closeSrc != nil {
			stream.closers = append(stream.closers, closeSrc)
		}
		src, err = seekToJSONEntry(tar.NewReader(decompressed), path)
		if err != nil {
			_ = stream.Close()
			return nil, err
		}
	}

	stream.dec = json.NewDecoder(src)
	if err := stream.readHeader(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

// seekToJSONEntry advances the tar reader to the first JSON entry and
// returns it positioned at the entry body.
func seekToJSONEntry(tr *tar.Reader, path string) (io.Reader, error) {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, etl.NewExtractionError(fmt.Sprintf("archive %s has no JSON entry", path), nil)
		}
		if err != nil {
			return nil, etl.NewExtractionError(fmt.Sprintf("read archive %s", path), err)
		}
		if err := checkEntryName(hdr.Name); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg && strings.EqualFold(filepath.Ext(hdr.Name), ".json") {
			return tr, nil
		}
	}
}

// readHeader consumes top-level fields up to and including the opening
// bracket of the conversations array. The cursor stops at that bracket so
// conversations can stream lazily, which means fields placed after the array
// are never seen: a document ordering userId or exportDate after
// conversations streams with empty identity metadata. Skype exports put both
// before the array; the buffered reader has no such ordering constraint.
func (s *ConversationStream) readHeader() error {
	tok, err := s.dec.Token()
	if err != nil {
		return etl.NewExtractionError("read document start", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return etl.NewExtractionError(fmt.Sprintf("expected top-level object, got %v", tok), nil)
	}

	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return etl.NewExtractionError("read header key", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return etl.NewExtractionError(fmt.Sprintf("expected object key, got %T", keyTok), nil)
		}

		if key == "conversations" {
			tok, err := s.dec.Token()
			if err != nil {
				return etl.NewExtractionError("read conversations value", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return etl.NewExtractionError("conversations is not an array", nil)
			}
			return nil
		}

		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			return etl.NewExtractionError(fmt.Sprintf("read header field %q", key), err)
		}
		switch key {
		case "userId":
			if err := json.Unmarshal(raw, &s.UserID); err != nil {
				return etl.NewExtractionError("userId is not a string", err)
			}
		case "exportDate":
			if err := json.Unmarshal(raw, &s.ExportDate); err != nil {
				return etl.NewExtractionError("exportDate is not a string", err)
			}
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[key] = raw
		}
	}
	return etl.NewExtractionError("document has no conversations array", nil)
}

// Next advances to the following conversation. It returns false at the end
// of the array or on error; check Err afterwards. The underlying file is
// released as soon as the stream ends either way.
func (s *ConversationStream) Next() bool {
	if s.err != nil || s.done || s.closed {
		return false
	}
	if !s.dec.More() {
		s.finish()
		return false
	}
	var conv models.RawConversation
	if err := s.dec.Decode(&conv); err != nil {
		s.err = etl.NewExtractionError("decode conversation", err)
		s.done = true
		_ = s.Close()
		return false
	}
	s.current = &conv
	return true
}

// finish consumes the closing bracket and releases the input.
func (s *ConversationStream) finish() {
	if tok, err := s.dec.Token(); err != nil {
		s.err = etl.NewExtractionError("read conversations array end", err)
	} else if d, ok := tok.(json.Delim); !ok || d != ']' {
		s.err = etl.NewExtractionError(fmt.Sprintf("expected closing bracket, got %v", tok), nil)
	}
	s.done = true
	_ = s.Close()
}

// Conversation returns the element the last successful Next advanced to.
func (s *ConversationStream) Conversation() *models.RawConversation {
	return s.current
}

// Err returns the first error encountered during iteration, if any.
func (s *ConversationStream) Err() error {
	return s.err
}

// BytesRead reports how many bytes were consumed from disk so far.
func (s *ConversationStream) BytesRead() int64 {
	return s.counter.n
}

// Close releases the underlying file and decoder resources. It is
// idempotent and safe to call at any point of iteration.
func (s *ConversationStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
