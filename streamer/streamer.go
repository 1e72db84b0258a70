// Package streamer implements gletscher's ChunkStreamer:
// it accepts (digest, chunk) pairs already filtered against the
// persistent Index by the caller, serializes each into an encrypted
// ChunkRecord, rolls them into a bounded-size rolling archive body, and
// commits every chunk's IndexEntry only once that archive's multipart
// upload seals successfully.
package streamer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/pmoor/gletscher/crypt"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/index"
	"github.com/pmoor/gletscher/upload"
)

// DefaultMaxFileSize is the archive rotation threshold.
const DefaultMaxFileSize = 4 * 1024 * 1024 * 1024

// DefaultMaxPendingDigests is the in-flight digest count that forces an
// archive seal.
const DefaultMaxPendingDigests = 262144

// Client is what Streamer needs from the cold store to open and close an
// archive's multipart upload.
type Client interface {
	upload.Client
	InitiateMultipartUpload(ctx context.Context, partSize uint64, description string) (string, error)
}

// Options configures archive rotation thresholds.
type Options struct {
	MaxFileSize       uint64
	MaxPendingDigests int
	PartSize          int
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.MaxPendingDigests == 0 {
		o.MaxPendingDigests = DefaultMaxPendingDigests
	}
	if o.PartSize == 0 {
		o.PartSize = upload.DefaultPartSize
	}
	return o
}

// Streamer is gletscher's ChunkStreamer: single-task-owned, not safe for
// concurrent use.
type Streamer struct {
	ctx      context.Context
	client   Client
	crypter  *crypt.Crypter
	idx      *index.Index
	backupID string
	opts     Options

	current *upload.PendingUpload
	tmp     *index.Temporary
	digests map[[32]byte]struct{} // fast membership check mirroring tmp
}

// New returns a Streamer that writes "data" archives for backupID.
func New(ctx context.Context, client Client, crypter *crypt.Crypter, idx *index.Index, backupID string, opts Options) *Streamer {
	return &Streamer{
		ctx:      ctx,
		client:   client,
		crypter:  crypter,
		idx:      idx,
		backupID: backupID,
		opts:     opts.withDefaults(),
	}
}

type archiveDescription struct {
	Backup string `json:"backup"`
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
}

func (s *Streamer) startArchive() error {
	desc, err := json.Marshal(archiveDescription{Backup: s.backupID, Type: "data"})
	if err != nil {
		return fmt.Errorf("streamer: marshal archive description: %w", err)
	}
	uploadID, err := s.client.InitiateMultipartUpload(s.ctx, uint64(s.opts.PartSize), string(desc))
	if err != nil {
		return fmt.Errorf("streamer: initiate multipart upload: %w", err)
	}
	s.current = upload.New(s.ctx, s.client, uploadID, s.opts.PartSize)
	s.tmp = index.NewTemporary()
	s.digests = make(map[[32]byte]struct{})

	pad, err := drawPad()
	if err != nil {
		return err
	}
	if len(pad) > 0 {
		if err := s.current.Write(pad); err != nil {
			return fmt.Errorf("streamer: write archive pad: %w", err)
		}
	}
	return nil
}

// drawPad returns 0-127 random bytes. Overridable in tests that need a
// deterministic archive layout.
var drawPad = randomPad

func randomPad() ([]byte, error) {
	var lenByte [1]byte
	if _, err := rand.Read(lenByte[:]); err != nil {
		return nil, fmt.Errorf("streamer: draw pad length: %w: %w", err, gerrors.ErrIO)
	}
	n := int(lenByte[0]) % 128
	if n == 0 {
		return nil, nil
	}
	pad := make([]byte, n)
	if _, err := rand.Read(pad); err != nil {
		return nil, fmt.Errorf("streamer: draw pad bytes: %w: %w", err, gerrors.ErrIO)
	}
	return pad, nil
}

// Contains reports whether digest has already been written to the
// in-progress archive, so the same plaintext uploaded twice in one run
// produces exactly one archive record.
func (s *Streamer) Contains(digest [32]byte) bool {
	if s.digests == nil {
		return false
	}
	_, ok := s.digests[digest]
	return ok
}

// Write encrypts plaintext under digest and appends it to the current
// archive, rotating (sealing the current archive and starting a new one)
// first if doing so would exceed the configured thresholds. The caller
// must have already confirmed digest is absent from the persistent
// Index; Write only deduplicates against the in-flight archive.
func (s *Streamer) Write(digest [32]byte, plaintext []byte) error {
	if s.Contains(digest) {
		return nil
	}

	record, err := s.crypter.EncryptChunk(digest, plaintext)
	if err != nil {
		return fmt.Errorf("streamer: encrypt chunk: %w", err)
	}

	if s.current != nil {
		wouldExceedSize := s.current.BytesWritten()+uint64(len(record)) > s.opts.MaxFileSize
		wouldExceedPending := len(s.digests) >= s.opts.MaxPendingDigests
		if wouldExceedSize || wouldExceedPending {
			if err := s.Seal(); err != nil {
				return err
			}
		}
	}
	if s.current == nil {
		if err := s.startArchive(); err != nil {
			return err
		}
	}

	offset := s.current.BytesWritten()
	if err := s.current.Write(record); err != nil {
		return fmt.Errorf("streamer: write chunk record: %w", err)
	}

	s.tmp.Put(digest, index.PendingEntry{
		StorageVersion:  crypt.StorageVersionCurrent,
		Offset:          offset,
		PersistedLength: uint32(len(record)),
		OriginalLength:  uint32(len(plaintext)),
	})
	s.digests[digest] = struct{}{}
	return nil
}

// Seal finishes the current archive's multipart upload and commits
// every pending digest into the persistent Index under the archive's
// tree hash. It is a no-op if no archive is open. An uploader error
// aborts without committing: the run fails, and a rerun simply
// re-uploads those chunks.
func (s *Streamer) Seal() error {
	if s.current == nil {
		return nil
	}
	_, treeHash, err := s.current.Finish()
	if err != nil {
		s.current = nil
		s.tmp = nil
		s.digests = nil
		return fmt.Errorf("streamer: seal archive: %w", err)
	}
	if err := s.idx.MergeTemporary(s.tmp, treeHash); err != nil {
		return fmt.Errorf("streamer: commit index entries: %w", err)
	}
	s.current = nil
	s.tmp = nil
	s.digests = nil
	return nil
}
