package reader

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type compressionKind int

const (
	compressionNone compressionKind = iota
	compressionGzip
	compressionBzip2
	compressionZstd
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte{'B', 'Z', 'h'}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// detectCompression classifies input by its leading bytes.
func detectCompression(head []byte) compressionKind {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return compressionGzip
	case bytes.HasPrefix(head, bzip2Magic):
		return compressionBzip2
	case bytes.HasPrefix(head, zstdMagic):
		return compressionZstd
	default:
		return compressionNone
	}
}

// newDecompressingReader wraps src with the decoder matching its magic
// bytes; plain input passes through buffered. The returned close function
// releases decoder resources and may be nil.
func newDecompressingReader(src io.Reader) (io.Reader, func() error, error) {
	br := bufio.NewReaderSize(src, readBufferSize)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}

	switch detectCompression(head) {
	case compressionGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return gz, gz.Close, nil
	case compressionBzip2:
		return bzip2.NewReader(br), nil, nil
	case compressionZstd:
		zd, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zd, func() error { zd.Close(); return nil }, nil
	default:
		return br, nil, nil
	}
}
