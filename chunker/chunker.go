// Package chunker implements gletscher's fixed-size file chunking: a
// lazy, non-restartable sequence of byte buffers read from a single
// file, each at most blockSize bytes, stopping at EOF or an optional
// overall cap, whichever comes first.
package chunker

import (
	"fmt"
	"io"
	"os"

	"github.com/pmoor/gletscher/gerrors"
)

// DefaultBlockSize is the maximum chunk size when none is configured.
const DefaultBlockSize = 32 * 1024 * 1024

// Chunker reads successive fixed-size chunks from a single open file.
// A Chunker is single-use: once exhausted or closed it must be discarded.
type Chunker struct {
	file      *os.File
	blockSize int
	remaining int64 // bytes left to read before maxSize is reached; < 0 means unbounded
	buf       []byte
}

// Open opens path for chunking. maxSize <= 0 means no cap beyond the
// file's own length.
func Open(path string, blockSize int, maxSize int64) (*Chunker, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunker: open %s: %w: %w", path, err, gerrors.ErrIO)
	}
	remaining := int64(-1)
	if maxSize > 0 {
		remaining = maxSize
	}
	return &Chunker{
		file:      f,
		blockSize: blockSize,
		remaining: remaining,
		buf:       make([]byte, blockSize),
	}, nil
}

// Next returns the next chunk, or (nil, io.EOF) once the file or the size
// cap is exhausted. The returned slice is only valid until the next call
// to Next; callers that need to retain it must copy.
func (c *Chunker) Next() ([]byte, error) {
	if c.remaining == 0 {
		return nil, io.EOF
	}

	want := c.blockSize
	if c.remaining > 0 && int64(want) > c.remaining {
		want = int(c.remaining)
	}

	n, err := io.ReadFull(c.file, c.buf[:want])
	switch {
	case err == nil, err == io.ErrUnexpectedEOF:
		// ErrUnexpectedEOF: a short final read, still real data.
	case err == io.EOF:
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("chunker: read %s: %w: %w", c.file.Name(), err, gerrors.ErrIO)
	}

	if c.remaining > 0 {
		c.remaining -= int64(n)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return c.buf[:n], nil
}

// Close releases the underlying file handle.
func (c *Chunker) Close() error {
	return c.file.Close()
}
