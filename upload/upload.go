// Package upload implements gletscher's StreamingUploader/PendingUpload:
// turning an unbounded byte stream into a Glacier multipart upload with
// bounded memory, a fixed-size worker pool, part retry, and resume.
// Concurrency is modeled with golang.org/x/sync/errgroup and
// golang.org/x/sync/semaphore rather than a hand-rolled channel pool.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/treehash"
)

// DefaultPartSize is the default multipart part size: 16 MiB.
const DefaultPartSize = 16 * 1024 * 1024

// MaxPendingFutures bounds how many part uploads may be outstanding
// before Write blocks for backpressure.
const MaxPendingFutures = 2

// DefaultWorkers is the bounded part-upload worker pool size.
const DefaultWorkers = 2

// Client is the subset of glacier.Client PendingUpload drives.
type Client interface {
	UploadPart(ctx context.Context, uploadID string, start, end uint64, treeHash [32]byte, part []byte) error
	CompleteMultipartUpload(ctx context.Context, uploadID string, archiveSize uint64, treeHash [32]byte) (string, error)
	AbortMultipartUpload(ctx context.Context, uploadID string) error
	ListParts(ctx context.Context, uploadID string) ([]glacier.PartListing, error)
}

// PendingUpload accumulates a single archive's bytes and drives its
// multipart upload. Write is not thread-safe; a PendingUpload is owned
// by exactly one producer goroutine.
type PendingUpload struct {
	ctx      context.Context
	client   Client
	uploadID string
	partSize int

	buf    bytes.Buffer
	hasher *treehash.Hasher
	offset uint64 // start offset of the next part to be extracted

	sem     *semaphore.Weighted // backpressure gate, size MaxPendingFutures
	workers *semaphore.Weighted // worker-pool gate, size DefaultWorkers
	group   *errgroup.Group

	available []glacier.PartListing // parts already uploaded, for resume
}

// New starts a fresh PendingUpload against an already-initiated
// multipart upload.
func New(ctx context.Context, client Client, uploadID string, partSize int) *PendingUpload {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	group, gctx := errgroup.WithContext(ctx)
	return &PendingUpload{
		ctx:      gctx,
		client:   client,
		uploadID: uploadID,
		partSize: partSize,
		hasher:   treehash.New(),
		sem:      semaphore.NewWeighted(MaxPendingFutures),
		workers:  semaphore.NewWeighted(DefaultWorkers),
		group:    group,
	}
}

// Resume rebuilds a PendingUpload's available parts from uploadID's
// already-uploaded parts. Bytes re-written that match an available
// part's (start, end, tree hash) are skipped rather than re-PUT.
func Resume(ctx context.Context, client Client, uploadID string, partSize int) (*PendingUpload, error) {
	pu := New(ctx, client, uploadID, partSize)
	parts, err := client.ListParts(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("upload: list parts for resume: %w", err)
	}
	pu.available = parts
	return pu, nil
}

// BytesWritten returns the number of bytes accepted by Write so far.
func (pu *PendingUpload) BytesWritten() uint64 { return pu.hasher.Len() }

// alreadyUploaded reports whether a part at [start, end) with the given
// tree hash is already present among the resumed upload's parts.
func (pu *PendingUpload) alreadyUploaded(start, end uint64, treeHash [32]byte) bool {
	for _, p := range pu.available {
		if p.RangeStart == start && p.RangeEnd == end && p.TreeHash == treeHash {
			return true
		}
	}
	return false
}

// Write appends data to the archive body, mirroring every byte into the
// tree hasher, and submits completed partSize-sized parts to the worker
// pool as they accumulate. It blocks when MaxPendingFutures uploads are
// already outstanding.
func (pu *PendingUpload) Write(data []byte) error {
	if _, err := pu.hasher.Write(data); err != nil {
		return err
	}
	pu.buf.Write(data)

	for pu.buf.Len() >= pu.partSize {
		part := make([]byte, pu.partSize)
		if _, err := pu.buf.Read(part); err != nil {
			return fmt.Errorf("upload: drain part buffer: %w", err)
		}
		if err := pu.submitPart(part); err != nil {
			return err
		}
	}
	return nil
}

// submitPart schedules part [pu.offset, pu.offset+len(part)) for upload,
// blocking for backpressure if MaxPendingFutures tasks are already
// outstanding.
func (pu *PendingUpload) submitPart(part []byte) error {
	start := pu.offset
	end := start + uint64(len(part))
	pu.offset = end
	treeHash := treehash.TreeHashBytes(part)

	if pu.alreadyUploaded(start, end, treeHash) {
		return nil
	}

	if err := pu.sem.Acquire(pu.ctx, 1); err != nil {
		return fmt.Errorf("upload: acquire backpressure slot: %w", err)
	}
	pu.group.Go(func() error {
		defer pu.sem.Release(1)
		if err := pu.workers.Acquire(pu.ctx, 1); err != nil {
			return err
		}
		defer pu.workers.Release(1)
		return uploadPartWithRetry(pu.ctx, pu.client, pu.uploadID, start, end, treeHash, part)
	})
	return nil
}

// newPartRetryBackOff builds the backoff policy for a single part
// upload: 1s initial, doubling, capped at 90s, unlimited attempts.
// Overridable in tests so retry coverage doesn't cost wall-clock
// seconds.
var newPartRetryBackOff = func() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 90 * time.Second
	bo.MaxElapsedTime = 0 // unlimited attempts
	return bo
}

// uploadPartWithRetry retries one part upload on transport errors and
// tree-hash mismatches (transport corruption); any other failure
// surfaces immediately.
func uploadPartWithRetry(ctx context.Context, client Client, uploadID string, start, end uint64, treeHash [32]byte, part []byte) error {
	bo := newPartRetryBackOff()

	return backoff.Retry(func() error {
		err := client.UploadPart(ctx, uploadID, start, end, treeHash, part)
		if err == nil {
			return nil
		}
		if gerrors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// Finish flushes any remaining buffered bytes as the final (possibly
// short) part, waits for every outstanding part upload to complete, then
// completes the multipart upload with the full-file tree hash.
func (pu *PendingUpload) Finish() (archiveID string, treeHash [32]byte, err error) {
	if pu.buf.Len() > 0 {
		part := pu.buf.Bytes()
		tail := make([]byte, len(part))
		copy(tail, part)
		pu.buf.Reset()
		if err := pu.submitPart(tail); err != nil {
			return "", [32]byte{}, err
		}
	}

	if err := pu.group.Wait(); err != nil {
		return "", [32]byte{}, fmt.Errorf("upload: part upload failed: %w", err)
	}

	treeHash, err = pu.hasher.TreeHash(0, pu.hasher.Len())
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("upload: compute full tree hash: %w", err)
	}

	archiveID, err = pu.client.CompleteMultipartUpload(pu.ctx, pu.uploadID, pu.hasher.Len(), treeHash)
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("upload: complete multipart upload: %w", err)
	}
	return archiveID, treeHash, nil
}

// Abort discards the upload. Callers use this on an interrupted run; any
// part uploads already outstanding are not awaited.
func (pu *PendingUpload) Abort() error {
	return pu.client.AbortMultipartUpload(pu.ctx, pu.uploadID)
}
