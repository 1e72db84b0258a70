// Package catalog implements gletscher's persistent path → metadata
// store, backed by go.etcd.io/bbolt, the same embedded ordered
// key/value store `index` uses. Two catalogs exist per configuration: one
// per-run snapshot (catalogs/<name>-<UTC>.catalog) and one cumulative
// `_global` catalog that tracks the most recent observation of every path
// ever backed up, driving the has-changed reuse test during incremental
// scans.
package catalog

import (
	"encoding/binary"
	"fmt"
	"regexp"

	"go.etcd.io/bbolt"

	"github.com/pmoor/gletscher/gerrors"
)

var bucketName = []byte("catalog")

const currentVersion = 1

// Kind discriminates the CatalogEntry variants. An explicit byte on the
// wire keeps an empty regular file distinguishable from a directory
// entry.
type Kind uint8

const (
	KindDir Kind = iota
	KindSymlink
	KindRegular
)

// Stat holds the POSIX-like fields compared for change detection.
type Stat struct {
	Mode  uint32
	Size  uint64
	Mtime uint64
	Uid   uint32
	Gid   uint32
}

// Entry is one CatalogEntry: a Stat plus a kind-specific payload.
type Entry struct {
	Kind Kind
	Stat Stat

	// SymlinkTarget is set only when Kind == KindSymlink.
	SymlinkTarget []byte

	// Digests is set only when Kind == KindRegular: the ordered chunk
	// digest list produced by Chunker+Crypter for this file's content.
	Digests [][32]byte
}

// HasChanged reports whether stat differs from the entry's own recorded
// Stat in any of the five compared fields.
func (e Entry) HasChanged(stat Stat) bool {
	return e.Stat != stat
}

// Size returns the file's recorded size, which for regular files must
// equal the sum of each digest's original length;
// callers populate Stat.Size from that sum, not from a second stat call.
func (e Entry) Size() uint64 { return e.Stat.Size }

// MarshalEntry exposes the on-disk CatalogEntry encoding to callers
// outside the package (the catalog-upload and repair commands pack and
// unpack entries inside a kv-pack container).
func MarshalEntry(e Entry) []byte { return marshal(e) }

// UnmarshalEntry is the exported counterpart of MarshalEntry.
func UnmarshalEntry(buf []byte) (Entry, error) { return unmarshal(buf) }

func marshal(e Entry) []byte {
	buf := make([]byte, 0, 1+1+4+8+8+4+4+16)
	buf = append(buf, currentVersion, byte(e.Kind))
	var statBuf [4 + 8 + 8 + 4 + 4]byte
	binary.BigEndian.PutUint32(statBuf[0:4], e.Stat.Mode)
	binary.BigEndian.PutUint64(statBuf[4:12], e.Stat.Size)
	binary.BigEndian.PutUint64(statBuf[12:20], e.Stat.Mtime)
	binary.BigEndian.PutUint32(statBuf[20:24], e.Stat.Uid)
	binary.BigEndian.PutUint32(statBuf[24:28], e.Stat.Gid)
	buf = append(buf, statBuf[:]...)

	switch e.Kind {
	case KindDir:
		// no tail
	case KindSymlink:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.SymlinkTarget)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, e.SymlinkTarget...)
	case KindRegular:
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(e.Digests)))
		buf = append(buf, countBuf[:]...)
		for _, d := range e.Digests {
			buf = append(buf, d[:]...)
		}
	}
	return buf
}

func unmarshal(buf []byte) (Entry, error) {
	if len(buf) < 2+28 {
		return Entry{}, fmt.Errorf("catalog: entry too short (%d bytes): %w", len(buf), gerrors.ErrIntegrity)
	}
	if buf[0] != currentVersion {
		return Entry{}, fmt.Errorf("catalog: unknown entry version %d: %w", buf[0], gerrors.ErrIntegrity)
	}
	e := Entry{Kind: Kind(buf[1])}
	s := buf[2:30]
	e.Stat = Stat{
		Mode:  binary.BigEndian.Uint32(s[0:4]),
		Size:  binary.BigEndian.Uint64(s[4:12]),
		Mtime: binary.BigEndian.Uint64(s[12:20]),
		Uid:   binary.BigEndian.Uint32(s[20:24]),
		Gid:   binary.BigEndian.Uint32(s[24:28]),
	}
	tail := buf[30:]

	switch e.Kind {
	case KindDir:
		if len(tail) != 0 {
			return Entry{}, fmt.Errorf("catalog: dir entry carries a tail: %w", gerrors.ErrIntegrity)
		}
	case KindSymlink:
		if len(tail) < 4 {
			return Entry{}, fmt.Errorf("catalog: truncated symlink tail: %w", gerrors.ErrIntegrity)
		}
		n := binary.BigEndian.Uint32(tail[0:4])
		if uint32(len(tail)-4) != n {
			return Entry{}, fmt.Errorf("catalog: symlink target length mismatch: %w", gerrors.ErrIntegrity)
		}
		e.SymlinkTarget = append([]byte(nil), tail[4:]...)
	case KindRegular:
		if len(tail) < 4 {
			return Entry{}, fmt.Errorf("catalog: truncated regular tail: %w", gerrors.ErrIntegrity)
		}
		count := binary.BigEndian.Uint32(tail[0:4])
		rest := tail[4:]
		if uint64(len(rest)) != uint64(count)*32 {
			return Entry{}, fmt.Errorf("catalog: digest count mismatch: %w", gerrors.ErrIntegrity)
		}
		e.Digests = make([][32]byte, count)
		for i := range e.Digests {
			copy(e.Digests[i][:], rest[i*32:(i+1)*32])
		}
	default:
		return Entry{}, fmt.Errorf("catalog: unknown kind %d: %w", e.Kind, gerrors.ErrIntegrity)
	}
	return e, nil
}

// Catalog is a persistent absolute-path → Entry map.
type Catalog struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w: %w", path, err, gerrors.ErrIO)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create bucket: %w: %w", err, gerrors.ErrIO)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Get returns the entry stored for path, or ok == false if absent.
func (c *Catalog) Get(path []byte) (entry Entry, ok bool, err error) {
	err = c.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketName).Get(path)
		if buf == nil {
			return nil
		}
		ok = true
		entry, err = unmarshal(buf)
		return err
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("catalog: get %s: %w", path, err)
	}
	return entry, ok, nil
}

// Put records (or overwrites) path's entry. CatalogEntries are rewritten
// on every successful backup of that path, so Put
// never fails on a pre-existing key.
func (c *Catalog) Put(path []byte, entry Entry) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(path, marshal(entry))
	})
}

// PathEntry pairs a path with its Entry, returned by Walk and Match.
type PathEntry struct {
	Path  []byte
	Entry Entry
}

// Walk invokes fn for every (path, entry) pair, in key order. Walk stops
// and returns fn's error if it returns one.
func (c *Catalog) Walk(fn func(PathEntry) error) error {
	return c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			entry, err := unmarshal(v)
			if err != nil {
				return err
			}
			return fn(PathEntry{Path: append([]byte(nil), k...), Entry: entry})
		})
	})
}

// Match returns every PathEntry whose path matches at least one of
// patterns, used by both `restore` and `search_catalog`.
func (c *Catalog) Match(patterns []*regexp.Regexp) ([]PathEntry, error) {
	var out []PathEntry
	err := c.Walk(func(pe PathEntry) error {
		for _, p := range patterns {
			if p.Match(pe.Path) {
				out = append(out, pe)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompilePatterns compiles each regex string, used to build the patterns
// list `restore` and `search_catalog` pass to Match.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("catalog: compile pattern %q: %w: %w", p, err, gerrors.ErrConfig)
		}
		out[i] = re
	}
	return out, nil
}
