package reconcile

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/index"
)

type fakeClient struct {
	jobs          []glacier.Job
	outputs       map[string]string
	createCalls   int
	createdAction glacier.JobType
}

func (f *fakeClient) ListJobs(ctx context.Context) ([]glacier.Job, error) { return f.jobs, nil }

func (f *fakeClient) CreateJob(ctx context.Context, jobType glacier.JobType, archiveID string) (string, error) {
	f.createCalls++
	f.createdAction = jobType
	f.jobs = append(f.jobs, glacier.Job{
		JobID: "job-new", Action: jobType, Completed: true, StatusCode: "Succeeded",
		CreationDate: time.Now(), CompletionDate: time.Now(),
	})
	f.outputs["job-new"] = inventoryJSON(nil)
	return "job-new", nil
}

func (f *fakeClient) GetJobOutput(ctx context.Context, jobID string) (io.ReadCloser, int64, error) {
	body, ok := f.outputs[jobID]
	if !ok {
		return nil, 0, fmt.Errorf("no such job")
	}
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

func inventoryJSON(archives []glacier.InventoryArchive) string {
	var sb strings.Builder
	sb.WriteString(`{"VaultARN":"arn","InventoryDate":"2026-01-01T00:00:00Z","ArchiveList":[`)
	for i, a := range archives {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"ArchiveId":%q,"ArchiveDescription":%q,"CreationDate":"2026-01-01T00:00:00Z","Size":%d,"SHA256TreeHash":%q}`,
			a.ArchiveID, a.ArchiveDescription, a.Size, a.SHA256TreeHash)
	}
	sb.WriteString("]}")
	return sb.String()
}

func descJSON(backup, typ string) string {
	return fmt.Sprintf(`{"backup":%q,"type":%q}`, backup, typ)
}

func TestFetchInventoryReusesCompletedJob(t *testing.T) {
	client := &fakeClient{
		jobs: []glacier.Job{{
			JobID: "job-1", Action: glacier.JobTypeInventoryRetrieval,
			Completed: true, StatusCode: "Succeeded", CompletionDate: time.Now(),
		}},
		outputs: map[string]string{
			"job-1": inventoryJSON([]glacier.InventoryArchive{
				{ArchiveID: "a1", ArchiveDescription: descJSON("backup-1", "data"), SHA256TreeHash: "aa"},
			}),
		},
	}

	archives, err := FetchInventory(context.Background(), client, DefaultMaxAge, DefaultPollInterval)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, 0, client.createCalls, "a fresh completed job must be reused, not recreated")
}

func TestFetchInventoryIgnoresStaleCompletedJob(t *testing.T) {
	client := &fakeClient{
		jobs: []glacier.Job{{
			JobID: "job-old", Action: glacier.JobTypeInventoryRetrieval,
			Completed: true, StatusCode: "Succeeded", CompletionDate: time.Now().Add(-48 * time.Hour),
		}},
		outputs: map[string]string{},
	}
	sleep = func(time.Duration) {} // don't actually sleep in this loop's one spin

	archives, err := FetchInventory(context.Background(), client, DefaultMaxAge, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, client.createCalls, "a stale completed job must not satisfy freshness")
	assert.NotNil(t, archives)
	sleep = time.Sleep
}

func TestFetchInventoryWaitsOnPendingJob(t *testing.T) {
	client := &fakeClient{
		jobs: []glacier.Job{{
			JobID: "job-pending", Action: glacier.JobTypeInventoryRetrieval,
			Completed: false, CreationDate: time.Now(),
		}},
		outputs: map[string]string{},
	}

	var slept int
	sleep = func(time.Duration) {
		slept++
		if slept == 1 {
			client.jobs[0].Completed = true
			client.jobs[0].StatusCode = "Succeeded"
			client.jobs[0].CompletionDate = time.Now()
			client.outputs["job-pending"] = inventoryJSON(nil)
		}
	}
	defer func() { sleep = time.Sleep }()

	archives, err := FetchInventory(context.Background(), client, DefaultMaxAge, time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, archives)
	assert.Equal(t, 0, client.createCalls)
	assert.Equal(t, 1, slept)
}

func TestPartitionSplitsByBackupAndType(t *testing.T) {
	archives := []glacier.InventoryArchive{
		{ArchiveID: "a1", ArchiveDescription: descJSON("backup-1", "data")},
		{ArchiveID: "a2", ArchiveDescription: descJSON("backup-1", "catalog")},
		{ArchiveID: "a3", ArchiveDescription: descJSON("backup-2", "data")},
	}
	data, cats, foreign := Partition(archives, "backup-1")
	require.Len(t, data, 1)
	require.Len(t, cats, 1)
	require.Len(t, foreign, 1)
	assert.Equal(t, "a1", data[0].ArchiveID)
	assert.Equal(t, "a2", cats[0].ArchiveID)
	assert.Equal(t, "a3", foreign[0].ArchiveID)
}

func openTestIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(t.TempDir() + "/index.db")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(t.TempDir() + "/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestCheckIndexInventoryFindsMissingTreeHash(t *testing.T) {
	idx := openTestIndex(t)
	var digest, present, missing [32]byte
	digest[0] = 1
	present[0] = 0xAA
	missing[0] = 0xBB
	require.NoError(t, idx.Add(digest, index.Entry{FileTreeHash: missing}))

	data := []glacier.InventoryArchive{{SHA256TreeHash: fmt.Sprintf("%064x", present)}}
	result, err := CheckIndexInventory(idx, data)
	require.NoError(t, err)
	assert.Contains(t, result, missing)
}

func TestCheckCatalogIndexReportsAbsentDigest(t *testing.T) {
	idx := openTestIndex(t)
	cat := openTestCatalog(t)
	var digest [32]byte
	digest[0] = 7
	require.NoError(t, cat.Put([]byte("/a/b"), catalog.Entry{Kind: catalog.KindRegular, Digests: [][32]byte{digest}}))

	missing, err := CheckCatalogIndex(cat, idx, nil)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "/a/b", missing[0].Path)
}

func TestCheckCatalogIndexReportsMissingArchive(t *testing.T) {
	idx := openTestIndex(t)
	cat := openTestCatalog(t)
	var digest, treeHash [32]byte
	digest[0] = 9
	treeHash[0] = 0xCC
	require.NoError(t, idx.Add(digest, index.Entry{FileTreeHash: treeHash}))
	require.NoError(t, cat.Put([]byte("/x"), catalog.Entry{Kind: catalog.KindRegular, Digests: [][32]byte{digest}}))

	missingTreeHashes := map[[32]byte]struct{}{treeHash: {}}
	missing, err := CheckCatalogIndex(cat, idx, missingTreeHashes)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "/x", missing[0].Path)
}

func TestRunReturnsErrDataMissingWhenUnclean(t *testing.T) {
	idx := openTestIndex(t)
	cat := openTestCatalog(t)
	var digest [32]byte
	digest[0] = 3
	require.NoError(t, cat.Put([]byte("/missing"), catalog.Entry{Kind: catalog.KindRegular, Digests: [][32]byte{digest}}))

	client := &fakeClient{
		jobs: []glacier.Job{{
			JobID: "job-1", Action: glacier.JobTypeInventoryRetrieval,
			Completed: true, StatusCode: "Succeeded", CompletionDate: time.Now(),
		}},
		outputs: map[string]string{"job-1": inventoryJSON(nil)},
	}

	report, err := Run(context.Background(), client, cat, idx, "backup-1", Options{})
	assert.ErrorIs(t, err, gerrors.ErrDataMissing)
	assert.False(t, report.Clean())
	require.Len(t, report.MissingPaths, 1)
}

func TestRunCleanWhenEverythingResolves(t *testing.T) {
	idx := openTestIndex(t)
	cat := openTestCatalog(t)
	var digest, treeHash [32]byte
	digest[0] = 5
	treeHash[0] = 0xEE
	require.NoError(t, idx.Add(digest, index.Entry{FileTreeHash: treeHash}))
	require.NoError(t, cat.Put([]byte("/ok"), catalog.Entry{Kind: catalog.KindRegular, Digests: [][32]byte{digest}}))

	client := &fakeClient{
		jobs: []glacier.Job{{
			JobID: "job-1", Action: glacier.JobTypeInventoryRetrieval,
			Completed: true, StatusCode: "Succeeded", CompletionDate: time.Now(),
		}},
		outputs: map[string]string{"job-1": inventoryJSON([]glacier.InventoryArchive{
			{ArchiveDescription: descJSON("backup-1", "data"), SHA256TreeHash: fmt.Sprintf("%064x", treeHash)},
		})},
	}

	report, err := Run(context.Background(), client, cat, idx, "backup-1", Options{})
	require.NoError(t, err)
	assert.True(t, report.Clean())
}
