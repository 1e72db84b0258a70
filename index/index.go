// Package index implements gletscher's persistent digest → IndexEntry
// store, backed by go.etcd.io/bbolt, an embedded ordered key/value
// database in a single file. Keys are unique, insertion order is
// irrelevant, and every write is synced to disk before ChunkStreamer
// considers an archive's digests committed.
package index

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/pmoor/gletscher/gerrors"
)

var bucketName = []byte("index")

// entrySize is the packed length of an IndexEntry: 32B file_tree_hash,
// 1B storage_version, 8B offset, 4B persisted_length, 4B original_length.
const entrySize = 32 + 1 + 8 + 4 + 4

// Entry is the value half of the Index map.
type Entry struct {
	FileTreeHash    [32]byte
	StorageVersion  uint8
	Offset          uint64
	PersistedLength uint32
	OriginalLength  uint32
}

func (e Entry) marshal() []byte {
	buf := make([]byte, entrySize)
	copy(buf[0:32], e.FileTreeHash[:])
	buf[32] = e.StorageVersion
	binary.BigEndian.PutUint64(buf[33:41], e.Offset)
	binary.BigEndian.PutUint32(buf[41:45], e.PersistedLength)
	binary.BigEndian.PutUint32(buf[45:49], e.OriginalLength)
	return buf
}

// MarshalBinary exposes the same packed layout used internally so
// callers outside the package (the catalog-upload and repair commands)
// can embed an Entry inside a kv-pack container without reaching into
// index internals.
func (e Entry) MarshalBinary() []byte { return e.marshal() }

func unmarshalEntry(buf []byte) (Entry, error) {
	if len(buf) != entrySize {
		return Entry{}, fmt.Errorf("index: corrupt entry: want %d bytes, got %d: %w", entrySize, len(buf), gerrors.ErrIntegrity)
	}
	var e Entry
	copy(e.FileTreeHash[:], buf[0:32])
	e.StorageVersion = buf[32]
	e.Offset = binary.BigEndian.Uint64(buf[33:41])
	e.PersistedLength = binary.BigEndian.Uint32(buf[41:45])
	e.OriginalLength = binary.BigEndian.Uint32(buf[45:49])
	return e, nil
}

// UnmarshalEntry is the exported counterpart of MarshalBinary, used by
// commands.Repair to rebuild entries from a kv-pack container.
func UnmarshalEntry(buf []byte) (Entry, error) { return unmarshalEntry(buf) }

// Index is a persistent digest → Entry map.
type Index struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the index database at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w: %w", path, err, gerrors.ErrIO)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create bucket: %w: %w", err, gerrors.ErrIO)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Contains reports whether digest already has an entry.
func (idx *Index) Contains(digest [32]byte) (bool, error) {
	var found bool
	err := idx.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketName).Get(digest[:]) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("index: contains %x: %w: %w", digest, err, gerrors.ErrIO)
	}
	return found, nil
}

// Get returns the entry for digest, or ok == false if absent.
func (idx *Index) Get(digest [32]byte) (entry Entry, ok bool, err error) {
	err = idx.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketName).Get(digest[:])
		if buf == nil {
			return nil
		}
		ok = true
		entry, err = unmarshalEntry(buf)
		return err
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("index: get %x: %w", digest, err)
	}
	return entry, ok, nil
}

// Add inserts a brand-new digest. It fails with gerrors.ErrDuplicateDigest
// if the key is already present.
func (idx *Index) Add(digest [32]byte, entry Entry) error {
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get(digest[:]) != nil {
			return fmt.Errorf("index: digest %x already present: %w", digest, gerrors.ErrDuplicateDigest)
		}
		return b.Put(digest[:], entry.marshal())
	})
	if err != nil {
		return err
	}
	return nil
}

// DigestEntry pairs a digest with its Entry, returned by Entries.
type DigestEntry struct {
	Digest [32]byte
	Entry  Entry
}

// Entries returns every (digest, entry) pair currently stored. The index
// is small enough in practice (one entry per unique chunk) that a slice
// suffices; callers needing true streaming can add a cursor-based variant
// later.
func (idx *Index) Entries() ([]DigestEntry, error) {
	var out []DigestEntry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			entry, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			var digest [32]byte
			copy(digest[:], k)
			out = append(out, DigestEntry{Digest: digest, Entry: entry})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("index: entries: %w", err)
	}
	return out, nil
}

// PendingEntry is what ChunkStreamer records for a digest before the
// archive it belongs to has been sealed and its tree hash is known.
type PendingEntry struct {
	StorageVersion  uint8
	Offset          uint64
	PersistedLength uint32
	OriginalLength  uint32
}

// Temporary accumulates pending digests for one in-progress archive. It
// is not persisted; ChunkStreamer discards it once MergeTemporary
// succeeds.
type Temporary struct {
	pending map[[32]byte]PendingEntry
}

// NewTemporary returns an empty Temporary index.
func NewTemporary() *Temporary {
	return &Temporary{pending: make(map[[32]byte]PendingEntry)}
}

// Put records digest's pending entry. Overwriting an existing pending
// digest within the same archive would indicate a ChunkStreamer bug, not
// a legitimate duplicate (those are filtered before reaching here), so
// Put always overwrites without complaint.
func (t *Temporary) Put(digest [32]byte, entry PendingEntry) {
	t.pending[digest] = entry
}

// Len reports how many digests are pending.
func (t *Temporary) Len() int { return len(t.pending) }

// MergeTemporary stamps every pending entry in tmp with fileTreeHash and
// commits it into the persistent index in a single transaction. A digest
// already present in the index is left untouched, but only after
// confirming its OriginalLength agrees with the pending one; a mismatch
// indicates the same content hashed to two different lengths, which can
// only happen from a broken Crypter or a digest collision, and is
// reported as an integrity failure rather than silently preferring either
// value.
func (idx *Index) MergeTemporary(tmp *Temporary, fileTreeHash [32]byte) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for digest, pending := range tmp.pending {
			existing := b.Get(digest[:])
			if existing != nil {
				old, err := unmarshalEntry(existing)
				if err != nil {
					return err
				}
				if old.OriginalLength != pending.OriginalLength {
					return fmt.Errorf("index: digest %x: original length mismatch (%d vs %d): %w",
						digest, old.OriginalLength, pending.OriginalLength, gerrors.ErrIntegrity)
				}
				continue
			}
			entry := Entry{
				FileTreeHash:    fileTreeHash,
				StorageVersion:  pending.StorageVersion,
				Offset:          pending.Offset,
				PersistedLength: pending.PersistedLength,
				OriginalLength:  pending.OriginalLength,
			}
			if err := b.Put(digest[:], entry.marshal()); err != nil {
				return err
			}
		}
		return nil
	})
}
