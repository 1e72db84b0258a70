// Package base provides small shared primitives used across gletscher's
// storage and transport layers. SeekableReader adapts a forward-only
// stream (an HTTP response body, a job-output download) into an
// io.ReadSeekCloser by spilling everything read so far to a scratch
// file, so a single streamed archive download can serve many
// out-of-order chunk reads during restore.
package base

import (
	"fmt"
	"io"
	"os"

	"github.com/pmoor/gletscher/gerrors"
)

// ReadSeekCloser is the minimal surface Restore needs to seek within a
// downloaded archive and decrypt arbitrary chunk ranges out of order.
type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
}

// seekableReader wraps an upstream forward-only reader, caching every
// byte pulled from it into a scratch file so earlier data can be re-read
// after a Seek. size is the total stream length, used to bound reads and
// resolve io.SeekEnd offsets.
type seekableReader struct {
	upstream io.Reader
	cache    *os.File
	size     int64

	pos    int64 // current read position
	cached int64 // bytes of upstream already copied into cache
}

// NewSeekableReader returns a ReadSeekCloser over upstream, which must
// yield exactly size bytes and stay open until Close: bytes are pulled
// lazily as reads demand them. If upstream is also an io.Closer it is
// closed along with the cache file, which Close removes.
func NewSeekableReader(upstream io.Reader, cache *os.File, size int64) ReadSeekCloser {
	return &seekableReader{upstream: upstream, cache: cache, size: size}
}

// fill ensures the cache holds at least upTo bytes, pulling from the
// upstream reader as needed.
func (s *seekableReader) fill(upTo int64) error {
	if upTo <= s.cached {
		return nil
	}
	if _, err := s.cache.Seek(s.cached, io.SeekStart); err != nil {
		return fmt.Errorf("base: seek cache: %w: %w", err, gerrors.ErrIO)
	}
	n, err := io.CopyN(s.cache, s.upstream, upTo-s.cached)
	s.cached += n
	if err != nil && err != io.EOF {
		return fmt.Errorf("base: fill cache: %w: %w", err, gerrors.ErrIO)
	}
	return nil
}

func (s *seekableReader) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if s.pos+want > s.size {
		want = s.size - s.pos
	}
	if err := s.fill(s.pos + want); err != nil {
		return 0, err
	}
	if _, err := s.cache.Seek(s.pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("base: seek cache: %w: %w", err, gerrors.ErrIO)
	}
	n, err := s.cache.Read(p[:want])
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (s *seekableReader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = s.size + offset
	default:
		return 0, fmt.Errorf("base: unknown whence %d", whence)
	}
	if newPos < 0 || newPos > s.size {
		return 0, fmt.Errorf("base: seek out of range: %d", newPos)
	}
	s.pos = newPos
	return s.pos, nil
}

func (s *seekableReader) Close() error {
	name := s.cache.Name()
	err := s.cache.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	if c, ok := s.upstream.(io.Closer); ok {
		if cErr := c.Close(); err == nil {
			err = cErr
		}
	}
	return err
}
