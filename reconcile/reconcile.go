// Package reconcile implements gletscher's Reconciler: two independent
// consistency checks, Catalog-against-Index and Index-against-Inventory,
// run against the persistent Index and Catalog and against a fresh
// Glacier vault inventory fetched through the glacier package. A
// DataMissing finding from either check fails the run
// (gerrors.ErrDataMissing) but never corrupts local state; reconcile
// only reads.
package reconcile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/index"
)

// DefaultMaxAge is the freshness window within which a
// CompletedSuccessfully inventory job satisfies the inventory check without
// starting a new retrieval.
const DefaultMaxAge = 30 * time.Hour

// DefaultPollInterval is how long FetchInventory sleeps between job-list
// polls while waiting on a pending inventory-retrieval job.
const DefaultPollInterval = 900 * time.Second

// sleep is overridable in tests so polling loops don't cost wall-clock
// minutes.
var sleep = time.Sleep

// Client is the subset of glacier.Client the inventory-retrieval wait
// loop needs.
type Client interface {
	ListJobs(ctx context.Context) ([]glacier.Job, error)
	CreateJob(ctx context.Context, jobType glacier.JobType, archiveID string) (string, error)
	GetJobOutput(ctx context.Context, jobID string) (io.ReadCloser, int64, error)
}

// archiveDescription mirrors the JSON object streamer and kvpack's caller
// stamp onto every archive.
type archiveDescription struct {
	Backup string `json:"backup"`
	Type   string `json:"type"`
}

// FetchInventory acquires a recent vault inventory: reuse a
// CompletedSuccessfully inventory-retrieval job younger than maxAge;
// otherwise wait on a pending one younger than maxAge; otherwise start a
// new job and poll every pollInterval. It blocks until an inventory is
// available or ctx is cancelled.
func FetchInventory(ctx context.Context, client Client, maxAge, pollInterval time.Duration) ([]glacier.InventoryArchive, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		jobs, err := client.ListJobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: list jobs: %w", err)
		}

		now := time.Now()
		var usable *glacier.Job
		for i := range jobs {
			j := &jobs[i]
			if j.Action != glacier.JobTypeInventoryRetrieval {
				continue
			}
			if j.CompletedSuccessfully() && now.Sub(j.CompletionDate) < maxAge {
				usable = j
				break
			}
		}
		if usable == nil {
			for i := range jobs {
				j := &jobs[i]
				if j.Action == glacier.JobTypeInventoryRetrieval && !j.Completed && now.Sub(j.CreationDate) < maxAge {
					usable = j
					break
				}
			}
		}

		if usable == nil {
			if _, err := client.CreateJob(ctx, glacier.JobTypeInventoryRetrieval, ""); err != nil {
				return nil, fmt.Errorf("reconcile: create inventory job: %w", err)
			}
			sleep(pollInterval)
			continue
		}
		if !usable.CompletedSuccessfully() {
			sleep(pollInterval)
			continue
		}

		rc, _, err := client.GetJobOutput(ctx, usable.JobID)
		if err != nil {
			return nil, fmt.Errorf("reconcile: get job output: %w", err)
		}
		defer rc.Close()
		archives, err := glacier.ParseInventory(rc)
		if err != nil {
			return nil, err
		}
		return archives, nil
	}
}

// Partition splits an inventory into data archives belonging to
// backupID, catalog archives belonging to backupID, and everything else
// (a different backup-id sharing the vault).
func Partition(archives []glacier.InventoryArchive, backupID string) (data, catalogArchives, foreign []glacier.InventoryArchive) {
	for _, a := range archives {
		var desc archiveDescription
		if err := json.Unmarshal([]byte(a.ArchiveDescription), &desc); err != nil || desc.Backup != backupID {
			foreign = append(foreign, a)
			continue
		}
		switch desc.Type {
		case "data":
			data = append(data, a)
		case "catalog":
			catalogArchives = append(catalogArchives, a)
		default:
			foreign = append(foreign, a)
		}
	}
	return data, catalogArchives, foreign
}

func treeHashSet(archives []glacier.InventoryArchive) map[[32]byte]struct{} {
	set := make(map[[32]byte]struct{}, len(archives))
	for _, a := range archives {
		b, err := hex.DecodeString(a.SHA256TreeHash)
		if err != nil || len(b) != 32 {
			continue
		}
		var h [32]byte
		copy(h[:], b)
		set[h] = struct{}{}
	}
	return set
}

// CheckIndexInventory checks the Index against the inventory: every
// IndexEntry's file tree hash must be present among backupID's `data`
// archives. It returns the set of file tree hashes that are not.
func CheckIndexInventory(idx *index.Index, dataArchives []glacier.InventoryArchive) (map[[32]byte]struct{}, error) {
	present := treeHashSet(dataArchives)
	entries, err := idx.Entries()
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	missing := make(map[[32]byte]struct{})
	for _, e := range entries {
		if _, ok := present[e.Entry.FileTreeHash]; !ok {
			missing[e.Entry.FileTreeHash] = struct{}{}
		}
	}
	return missing, nil
}

// MissingPath names a catalog path whose content can no longer be
// recovered.
type MissingPath struct {
	Path   string
	Digest [32]byte
	Reason string
}

// CheckCatalogIndex checks the Catalog against the Index: every digest
// referenced by a regular-file CatalogEntry must have an IndexEntry, and
// that entry's file tree hash must not be in missingTreeHashes (the
// result of CheckIndexInventory).
func CheckCatalogIndex(cat *catalog.Catalog, idx *index.Index, missingTreeHashes map[[32]byte]struct{}) ([]MissingPath, error) {
	var out []MissingPath
	err := cat.Walk(func(pe catalog.PathEntry) error {
		if pe.Entry.Kind != catalog.KindRegular {
			return nil
		}
		for _, digest := range pe.Entry.Digests {
			entry, ok, err := idx.Get(digest)
			if err != nil {
				return err
			}
			if !ok {
				out = append(out, MissingPath{Path: string(pe.Path), Digest: digest, Reason: "digest absent from index"})
				continue
			}
			if _, missing := missingTreeHashes[entry.FileTreeHash]; missing {
				out = append(out, MissingPath{Path: string(pe.Path), Digest: digest, Reason: "archive absent from inventory"})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: walk catalog: %w", err)
	}
	return out, nil
}

// Report is the combined result of both consistency checks.
type Report struct {
	MissingTreeHashes map[[32]byte]struct{}
	MissingPaths      []MissingPath
}

// Clean reports whether neither check found a problem.
func (r Report) Clean() bool {
	return len(r.MissingTreeHashes) == 0 && len(r.MissingPaths) == 0
}

// Options configures Run.
type Options struct {
	MaxAge       time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAge == 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Run performs both consistency checks against a freshly fetched
// inventory and returns the combined Report. If the report is not Clean,
// the returned error wraps gerrors.ErrDataMissing; the
// Report itself is still returned so the caller can print full detail.
func Run(ctx context.Context, client Client, cat *catalog.Catalog, idx *index.Index, backupID string, opts Options) (Report, error) {
	opts = opts.withDefaults()

	archives, err := FetchInventory(ctx, client, opts.MaxAge, opts.PollInterval)
	if err != nil {
		return Report{}, err
	}
	data, _, _ := Partition(archives, backupID)

	missingTreeHashes, err := CheckIndexInventory(idx, data)
	if err != nil {
		return Report{}, err
	}
	missingPaths, err := CheckCatalogIndex(cat, idx, missingTreeHashes)
	if err != nil {
		return Report{}, err
	}

	report := Report{MissingTreeHashes: missingTreeHashes, MissingPaths: missingPaths}
	if !report.Clean() {
		return report, fmt.Errorf("reconcile: %d tree hash(es), %d path(s) affected: %w",
			len(report.MissingTreeHashes), len(report.MissingPaths), gerrors.ErrDataMissing)
	}
	return report, nil
}
