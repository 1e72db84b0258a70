package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/config"
	"github.com/pmoor/gletscher/crypt"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/index"
)

// fakeGlacierClient is an in-process, in-memory stand-in for the Glacier
// vault, exercising the same GlacierClient surface streamer_test.go's
// fakeClient covers for the upload side, extended with the job lifecycle
// Reconcile and Restore need. It lets these tests drive
// commands.Backup/Reconcile/Restore end to end without a network.
type fakeGlacierClient struct {
	mu sync.Mutex

	partsByUpload map[string]map[[2]uint64][]byte
	descByUpload  map[string]string
	archiveBytes  map[string][]byte
	nextUploadID  int
	initiateCount int

	jobs      map[string]glacier.Job
	jobOutput map[string][]byte
	nextJobID int

	// inventory lists the archives a CompletedSuccessfully
	// inventory-retrieval job reports. It mirrors archiveBytes by default;
	// tests simulate a deleted archive by removing an entry here without
	// touching archiveBytes.
	inventory []inventoryArchiveWire
}

type inventoryArchiveWire struct {
	ArchiveId          string `json:"ArchiveId"`
	ArchiveDescription string `json:"ArchiveDescription"`
	CreationDate       string `json:"CreationDate"`
	Size               int64  `json:"Size"`
	SHA256TreeHash     string `json:"SHA256TreeHash"`
}

type inventoryWire struct {
	ArchiveList []inventoryArchiveWire `json:"ArchiveList"`
}

func newFakeGlacierClient() *fakeGlacierClient {
	return &fakeGlacierClient{
		partsByUpload: map[string]map[[2]uint64][]byte{},
		descByUpload:  map[string]string{},
		archiveBytes:  map[string][]byte{},
		jobs:          map[string]glacier.Job{},
		jobOutput:     map[string][]byte{},
	}
}

func (f *fakeGlacierClient) InitiateMultipartUpload(ctx context.Context, partSize uint64, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateCount++
	id := fmt.Sprintf("upload-%d", f.nextUploadID)
	f.nextUploadID++
	f.partsByUpload[id] = map[[2]uint64][]byte{}
	f.descByUpload[id] = description
	return id, nil
}

func (f *fakeGlacierClient) UploadPart(ctx context.Context, uploadID string, start, end uint64, treeHash [32]byte, part []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partsByUpload[uploadID][[2]uint64{start, end}] = append([]byte(nil), part...)
	return nil
}

func (f *fakeGlacierClient) CompleteMultipartUpload(ctx context.Context, uploadID string, archiveSize uint64, treeHash [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, archiveSize)
	for k, v := range f.partsByUpload[uploadID] {
		copy(buf[k[0]:k[1]], v)
	}
	archiveID := fmt.Sprintf("archive-%x", treeHash[:4])
	f.archiveBytes[archiveID] = buf
	f.inventory = append(f.inventory, inventoryArchiveWire{
		ArchiveId:          archiveID,
		ArchiveDescription: f.descByUpload[uploadID],
		CreationDate:       time.Now().UTC().Format(time.RFC3339),
		Size:               int64(archiveSize),
		SHA256TreeHash:     fmt.Sprintf("%x", treeHash),
	})
	return archiveID, nil
}

func (f *fakeGlacierClient) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.partsByUpload, uploadID)
	delete(f.descByUpload, uploadID)
	return nil
}

func (f *fakeGlacierClient) ListParts(ctx context.Context, uploadID string) ([]glacier.PartListing, error) {
	return nil, nil
}

// CreateJob finishes every job synchronously: this fake has no queueing
// delay to model. poll.go's sleep hook is overridden in these tests and
// the seeded inventory job keeps reconcile from waiting, so no test
// actually sleeps waiting on one.
func (f *fakeGlacierClient) CreateJob(ctx context.Context, jobType glacier.JobType, archiveID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("job-%d", f.nextJobID)
	f.nextJobID++

	var output []byte
	switch jobType {
	case glacier.JobTypeInventoryRetrieval:
		wire := inventoryWire{ArchiveList: append([]inventoryArchiveWire(nil), f.inventory...)}
		b, err := json.Marshal(wire)
		if err != nil {
			return "", err
		}
		output = b
	case glacier.JobTypeArchiveRetrieval:
		output = f.archiveBytes[archiveID]
	}
	f.jobOutput[id] = output

	now := time.Now()
	f.jobs[id] = glacier.Job{
		JobID:          id,
		Action:         jobType,
		Completed:      true,
		StatusCode:     "Succeeded",
		CreationDate:   now,
		CompletionDate: now,
		ArchiveID:      archiveID,
	}
	return id, nil
}

func (f *fakeGlacierClient) ListJobs(ctx context.Context) ([]glacier.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]glacier.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeGlacierClient) GetJobOutput(ctx context.Context, jobID string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body := f.jobOutput[jobID]
	return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
}

// deleteArchiveFromInventory simulates an archive vanishing from the
// vault side (e.g. a lifecycle policy or manual deletion) while the
// Index still references it.
func (f *fakeGlacierClient) deleteArchiveFromInventory(archiveIDPrefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.inventory[:0]
	for _, a := range f.inventory {
		if a.ArchiveId != archiveIDPrefix {
			out = append(out, a)
		}
	}
	f.inventory = out
}

// testContext builds a fully wired *Context backed by a real, disposable
// configuration directory (config.Init lays out index/, catalogs/, and
// tmp/ for real) plus a fakeGlacierClient standing in for the vault.
func testContext(t *testing.T) (*Context, *fakeGlacierClient) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Init(dir, "us-east-1", "123456789012", "ak", "sk", "test-vault")
	require.NoError(t, err)

	key, err := cfg.SecretKey()
	require.NoError(t, err)
	crypter, err := crypt.New(key)
	require.NoError(t, err)

	idx, err := index.Open(cfg.IndexPath())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	cat, err := catalog.Open(cfg.GlobalCatalogPath())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	client := newFakeGlacierClient()
	return &Context{
		Config:  cfg,
		Crypter: crypter,
		Glacier: client,
		Index:   idx,
		Catalog: cat,
		Log:     log,
	}, client
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

// seedInventoryJob plants an already-CompletedSuccessfully
// inventory-retrieval job reflecting the fake vault's current archive
// list, so the FetchInventory call inside Reconcile/Restore finds a
// usable job on its very first poll instead of creating a fresh one and
// sleeping a full poll_interval.
func seedInventoryJob(t *testing.T, client *fakeGlacierClient) {
	t.Helper()
	_, err := client.CreateJob(context.Background(), glacier.JobTypeInventoryRetrieval, "")
	require.NoError(t, err)
}

func init() {
	// These tests drive the restore/repair retrieval-job wait loop
	// (commands.sleep) synchronously; poll_interval would otherwise cost
	// each test 900 real seconds. reconcile.sleep is left as is: the
	// seeded completed inventory job means FetchInventory never waits.
	sleep = func(time.Duration) {}
}

// TestBackupEmptyFile: backing up a single zero-byte regular file must
// produce a CatalogEntry with no digests and Size 0, and must never open
// an archive upload.
func TestBackupEmptyFile(t *testing.T) {
	cctx, client := testContext(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "empty.txt"), nil)

	stats, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "empty", Roots: []string{src}})
	require.NoError(t, err)
	assert.Equal(t, 0, client.initiateCount, "an all-empty backup must never open an archive upload")

	entry, ok, err := cctx.Catalog.Get([]byte(filepath.Join(src, "empty.txt")))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, catalog.KindRegular, entry.Kind)
	assert.Empty(t, entry.Digests)
	assert.Equal(t, uint64(0), entry.Size())
	assert.Equal(t, uint64(0), stats.BytesWritten)
}

// TestBackupOneSmallFile: a single small file round-trips through
// Backup into exactly one chunk, one archive, and a CatalogEntry whose
// Size equals the content length (recomputed from the chunked total).
func TestBackupOneSmallFile(t *testing.T) {
	cctx, client := testContext(t)
	src := t.TempDir()
	content := []byte("hello, gletscher")
	writeFile(t, filepath.Join(src, "file.txt"), content)

	stats, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "small", Roots: []string{src}})
	require.NoError(t, err)
	assert.Equal(t, 1, client.initiateCount)
	assert.Equal(t, 1, stats.ChunksWritten)

	entry, ok, err := cctx.Catalog.Get([]byte(filepath.Join(src, "file.txt")))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(len(content)), entry.Size())
	require.Len(t, entry.Digests, 1)

	indexEntry, ok, err := cctx.Index.Get(entry.Digests[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(len(content)), indexEntry.OriginalLength)
}

// TestBackupSecondRunSkipsUnchangedFiles: a rerun over an unchanged
// tree must re-chunk nothing and must not open any new archive upload,
// because every path passes the _global catalog's has-changed test.
func TestBackupSecondRunSkipsUnchangedFiles(t *testing.T) {
	cctx, client := testContext(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.txt"), []byte("unchanged content"))

	_, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "incremental", Roots: []string{src}})
	require.NoError(t, err)
	firstInitiates := client.initiateCount

	stats, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "incremental", Roots: []string{src}})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ChunksWritten, "an unchanged file must not be re-chunked")
	assert.Equal(t, firstInitiates, client.initiateCount, "no new archive may be opened when nothing changed")
}

// TestBackupRerunReuploadsOnlyChangedFile: after one file changes, the
// rerun re-chunks exactly that file; the unchanged file's digests stay
// deduplicated against the persistent Index.
func TestBackupRerunReuploadsOnlyChangedFile(t *testing.T) {
	cctx, _ := testContext(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "stable.txt"), []byte("stays the same"))
	writeFile(t, filepath.Join(src, "volatile.txt"), []byte("version one"))

	_, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "incremental-two", Roots: []string{src}})
	require.NoError(t, err)

	writeFile(t, filepath.Join(src, "volatile.txt"), []byte("version two, longer"))

	stats, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "incremental-two", Roots: []string{src}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunksWritten, "only the changed file's chunk may be re-uploaded")
	assert.Equal(t, 2, stats.FilesChanged, "the root directory entry is always rewritten; exactly one file changed")
}

// TestBackupRotatesArchivesAcrossMaxDataFileSize: several files whose
// total exceeds max_data_file_size must land in more than one archive,
// and every path must still resolve back to its original content through
// Restore regardless of which archive holds it.
func TestBackupRotatesArchivesAcrossMaxDataFileSize(t *testing.T) {
	cctx, client := testContext(t)
	cctx.Config.Scanning.MaxDataFileSize = 64
	cctx.Config.Scanning.UploadChunkSize = 4096

	src := t.TempDir()
	files := map[string][]byte{
		"a.txt": bytes.Repeat([]byte("A"), 50),
		"b.txt": bytes.Repeat([]byte("B"), 50),
		"c.txt": bytes.Repeat([]byte("C"), 50),
	}
	for name, content := range files {
		writeFile(t, filepath.Join(src, name), content)
	}

	_, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "rotate", Roots: []string{src}})
	require.NoError(t, err)
	assert.Greater(t, client.initiateCount, 1, "exceeding max_data_file_size must rotate to more than one archive")

	seedInventoryJob(t, client)
	dest := t.TempDir()
	restored, err := Restore(context.Background(), cctx, cctx.Catalog, RestoreOptions{Patterns: []string{".*\\.txt$"}, DestDir: dest})
	require.NoError(t, err)
	require.Len(t, restored, 3)

	byName := make(map[string][]byte, len(restored))
	for _, path := range restored {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		byName[filepath.Base(path)] = content
	}
	for name, want := range files {
		got, ok := byName[name]
		require.True(t, ok, "restore must produce %s", name)
		assert.Equal(t, want, got)
	}
}

// TestReconcileDetectsDeletedArchive: a Backup run followed by an
// out-of-band archive deletion from the vault must make Reconcile fail
// with gerrors.ErrDataMissing, end to end through Backup -> Reconcile
// rather than reconcile's own package tests in isolation.
func TestReconcileDetectsDeletedArchive(t *testing.T) {
	cctx, client := testContext(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "important.txt"), []byte("do not lose me"))

	_, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "deleted", Roots: []string{src}})
	require.NoError(t, err)
	require.Len(t, client.inventory, 1)

	client.deleteArchiveFromInventory(client.inventory[0].ArchiveId)
	seedInventoryJob(t, client)

	_, err = Reconcile(context.Background(), cctx, ReconcileOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, gerrors.ErrDataMissing)
}

// TestReconcileCleanAfterBackup is the control: with nothing deleted
// from the vault, Reconcile over the same Backup output must report
// clean.
func TestReconcileCleanAfterBackup(t *testing.T) {
	cctx, client := testContext(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "file.txt"), []byte("stable content"))

	_, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "clean", Roots: []string{src}})
	require.NoError(t, err)
	seedInventoryJob(t, client)

	report, err := Reconcile(context.Background(), cctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

// TestRestoreRoundTrip: Backup followed by Restore against the global
// catalog reproduces byte-identical file content, driving the
// archive-retrieval job lifecycle through the same fake vault.
func TestRestoreRoundTrip(t *testing.T) {
	cctx, client := testContext(t)
	src := t.TempDir()
	content := bytes.Repeat([]byte("restore me please "), 1000)
	writeFile(t, filepath.Join(src, "nested", "doc.txt"), content)

	_, err := Backup(context.Background(), cctx, BackupOptions{CatalogName: "roundtrip", Roots: []string{src}})
	require.NoError(t, err)
	seedInventoryJob(t, client)

	dest := t.TempDir()
	restored, err := Restore(context.Background(), cctx, cctx.Catalog, RestoreOptions{Patterns: []string{"doc\\.txt$"}, DestDir: dest})
	require.NoError(t, err)
	require.Len(t, restored, 1)

	got, err := os.ReadFile(restored[0])
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
