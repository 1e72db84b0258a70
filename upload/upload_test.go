package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/treehash"
)

func init() {
	// Tests exercise the retry loop's decision logic, not its real
	// timing; keep them fast.
	newPartRetryBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Millisecond
		bo.Multiplier = 2
		bo.MaxInterval = 10 * time.Millisecond
		bo.MaxElapsedTime = 0
		return bo
	}
}

type fakeClient struct {
	mu            sync.Mutex
	parts         map[[2]uint64][]byte
	failNTimes    int
	failErr       error
	completeErr   error
	completeCalls int
	abortCalls    int
	listPartsResp []glacier.PartListing
}

func newFakeClient() *fakeClient {
	return &fakeClient{parts: map[[2]uint64][]byte{}}
}

func (f *fakeClient) UploadPart(ctx context.Context, uploadID string, start, end uint64, treeHash [32]byte, part []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNTimes > 0 {
		f.failNTimes--
		return f.failErr
	}
	cp := make([]byte, len(part))
	copy(cp, part)
	f.parts[[2]uint64{start, end}] = cp
	return nil
}

func (f *fakeClient) CompleteMultipartUpload(ctx context.Context, uploadID string, archiveSize uint64, treeHash [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return "archive-1", nil
}

func (f *fakeClient) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	f.abortCalls++
	return nil
}

func (f *fakeClient) ListParts(ctx context.Context, uploadID string) ([]glacier.PartListing, error) {
	return f.listPartsResp, nil
}

func TestWriteSplitsIntoParts(t *testing.T) {
	client := newFakeClient()
	pu := New(context.Background(), client, "upload-1", 4)

	require.NoError(t, pu.Write([]byte("01234567")))
	archiveID, treeHash, err := pu.Finish()
	require.NoError(t, err)
	assert.Equal(t, "archive-1", archiveID)
	assert.Equal(t, treehash.TreeHashBytes([]byte("01234567")), treeHash)

	assert.Equal(t, []byte("0123"), client.parts[[2]uint64{0, 4}])
	assert.Equal(t, []byte("4567"), client.parts[[2]uint64{4, 8}])
}

func TestFinishFlushesShortFinalPart(t *testing.T) {
	client := newFakeClient()
	pu := New(context.Background(), client, "upload-1", 4)

	require.NoError(t, pu.Write([]byte("012345678")))
	_, _, err := pu.Finish()
	require.NoError(t, err)

	assert.Equal(t, []byte("0123"), client.parts[[2]uint64{0, 4}])
	assert.Equal(t, []byte("4567"), client.parts[[2]uint64{4, 8}])
	assert.Equal(t, []byte("8"), client.parts[[2]uint64{8, 9}])
}

func TestBytesWrittenTracksTotal(t *testing.T) {
	client := newFakeClient()
	pu := New(context.Background(), client, "upload-1", 1024)
	require.NoError(t, pu.Write([]byte("hello")))
	assert.EqualValues(t, 5, pu.BytesWritten())
}

func TestRetriesTransportErrorsThenSucceeds(t *testing.T) {
	client := newFakeClient()
	client.failNTimes = 2
	client.failErr = fmt.Errorf("connection reset: %w", gerrors.ErrTransport)

	pu := New(context.Background(), client, "upload-1", 4)

	require.NoError(t, pu.Write([]byte("0123")))
	_, _, err := pu.Finish()
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), client.parts[[2]uint64{0, 4}])
}

func TestNonRetryableErrorSurfacesFromFinish(t *testing.T) {
	client := newFakeClient()
	client.failNTimes = 1
	client.failErr = fmt.Errorf("bad request: %w", gerrors.ErrRemoteRejection)

	pu := New(context.Background(), client, "upload-1", 4)
	require.NoError(t, pu.Write([]byte("0123")))
	_, _, err := pu.Finish()
	require.Error(t, err)
	assert.True(t, errors.Is(err, gerrors.ErrRemoteRejection))
}

func TestResumeSkipsAlreadyUploadedParts(t *testing.T) {
	client := newFakeClient()
	part := []byte("0123")
	th := treehash.TreeHashBytes(part)
	client.listPartsResp = []glacier.PartListing{{RangeStart: 0, RangeEnd: 4, TreeHash: th}}

	pu, err := Resume(context.Background(), client, "upload-1", 4)
	require.NoError(t, err)

	require.NoError(t, pu.Write(part))
	_, _, err = pu.Finish()
	require.NoError(t, err)

	_, uploaded := client.parts[[2]uint64{0, 4}]
	assert.False(t, uploaded, "a part matching an already-uploaded (start,end,treehash) must not be re-PUT")
}

func TestAbortCallsClient(t *testing.T) {
	client := newFakeClient()
	pu := New(context.Background(), client, "upload-1", 4)
	require.NoError(t, pu.Abort())
	assert.Equal(t, 1, client.abortCalls)
}
