// Package treehash implements Amazon Glacier's tree-hash algorithm: a
// binary Merkle tree of SHA-256 digests over fixed 1 MiB blocks. Every
// Glacier upload, and every declared sub-range of a multipart upload, is
// authenticated by a tree hash computed this way; a part upload whose
// declared range hashes differently than the service recomputes is
// rejected.
//
// The reduction is bottom-up: pair up adjacent per-block digests and
// hash each pair, repeating until one digest remains; an unpaired
// trailing digest at any level carries forward unchanged to the next
// level. This is equivalent to the service's top-down description
// (split at the largest power-of-two block count strictly less than the
// range); the tie-break matters, since any other split point yields a
// tree the service rejects.
package treehash

import (
	"crypto/sha256"
	"fmt"
)

// BlockSize is the fixed Glacier tree-hash block size.
const BlockSize = 1 << 20

// Hasher accumulates bytes incrementally and can answer a tree hash over
// any aligned sub-range of what has been written so far.
type Hasher struct {
	digests []([32]byte) // one per completed 1 MiB block
	current []byte       // bytes accumulated for the in-progress block
	length  uint64
}

// New returns an empty Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Write implements io.Writer, feeding data into the in-progress block and
// rolling over completed 1 MiB blocks into the digest list.
func (h *Hasher) Write(p []byte) (int, error) {
	n := len(p)
	h.length += uint64(n)
	for len(p) > 0 {
		space := BlockSize - len(h.current)
		if space > len(p) {
			h.current = append(h.current, p...)
			return n, nil
		}
		h.current = append(h.current, p[:space]...)
		h.digests = append(h.digests, sha256.Sum256(h.current))
		h.current = h.current[:0]
		p = p[space:]
	}
	return n, nil
}

// Len returns the total number of bytes written so far.
func (h *Hasher) Len() uint64 { return h.length }

// completedDigest returns the digest of completed block i.
func (h *Hasher) completedDigest(i int) [32]byte {
	return h.digests[i]
}

// inProgressDigest returns the SHA-256 of whatever has accumulated in the
// current, not-yet-1MiB block.
func (h *Hasher) inProgressDigest() [32]byte {
	return sha256.Sum256(h.current)
}

// blockCount is the number of fully completed 1 MiB blocks.
func (h *Hasher) blockCount() int { return len(h.digests) }

// TreeHash returns Glacier's tree hash over the byte range [start, end).
//
// Preconditions: start is 0 or a multiple of BlockSize; end
// is h.Len() or a multiple of BlockSize; 0 <= start <= end <= h.Len().
func (h *Hasher) TreeHash(start, end uint64) ([32]byte, error) {
	if err := h.validateRange(start, end); err != nil {
		return [32]byte{}, err
	}
	if start == 0 && end == 0 {
		return sha256.Sum256(nil), nil
	}
	return h.treeHash(start, end), nil
}

func (h *Hasher) validateRange(start, end uint64) error {
	if start > end || end > h.length {
		return fmt.Errorf("treehash: invalid range [%d, %d) over %d bytes", start, end, h.length)
	}
	if start%BlockSize != 0 {
		return fmt.Errorf("treehash: start %d is not block-aligned", start)
	}
	if end != h.length && end%BlockSize != 0 {
		return fmt.Errorf("treehash: end %d is neither length nor block-aligned", end)
	}
	return nil
}

// blockDigest returns the digest for the block starting at byte offset
// blockStart (a multiple of BlockSize), whether completed or the
// in-progress tail block.
func (h *Hasher) blockDigest(blockStart uint64) [32]byte {
	idx := int(blockStart / BlockSize)
	if idx < h.blockCount() {
		return h.completedDigest(idx)
	}
	return h.inProgressDigest()
}

func (h *Hasher) treeHash(start, end uint64) [32]byte {
	if end-start <= BlockSize {
		return h.blockDigest(start)
	}

	n := int((end - start) / BlockSize)
	if (end-start)%BlockSize != 0 {
		n++
	}
	level := make([][32]byte, n)
	for i := range level {
		level[i] = h.blockDigest(start + uint64(i)*BlockSize)
	}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				var pair [64]byte
				copy(pair[:32], level[i][:])
				copy(pair[32:], level[i+1][:])
				next = append(next, sha256.Sum256(pair[:]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// TreeHashBytes is a convenience for hashing a complete in-memory buffer
// in one call.
func TreeHashBytes(data []byte) [32]byte {
	h := New()
	_, _ = h.Write(data)
	th, err := h.TreeHash(0, h.Len())
	if err != nil {
		// Len() and 0 always satisfy validateRange; this cannot happen.
		panic(err)
	}
	return th
}
