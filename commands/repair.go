package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/index"
	"github.com/pmoor/gletscher/kvpack"
	"github.com/pmoor/gletscher/reconcile"
)

func decodeTreeHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != 32 {
		return h, fmt.Errorf("commands: tree hash %q has wrong length", s)
	}
	copy(h[:], b)
	return h, nil
}

// RepairStats summarizes what a Repair run rebuilt.
type RepairStats struct {
	IndexEntries   int
	CatalogEntries int
	ArchiveID      string
}

// Repair rebuilds the local index and _global catalog from the most
// recent catalog archive found in the remote inventory, for recovery
// after local state loss. Every restored index entry's FileTreeHash is
// cross-checked against the inventory's data-archive partition before
// being trusted.
func Repair(ctx context.Context, cctx *Context) (RepairStats, error) {
	var stats RepairStats

	archives, err := reconcile.FetchInventory(ctx, cctx.Glacier, reconcile.DefaultMaxAge, defaultPollInterval)
	if err != nil {
		return stats, err
	}
	dataArchives, catalogArchives, _ := reconcile.Partition(archives, cctx.Config.ID.UUID)
	if len(catalogArchives) == 0 {
		return stats, fmt.Errorf("commands: repair: no catalog archive in inventory: %w", gerrors.ErrDataMissing)
	}
	sort.Slice(catalogArchives, func(i, j int) bool {
		return catalogArchives[i].CreationDate.Before(catalogArchives[j].CreationDate)
	})
	latest := catalogArchives[len(catalogArchives)-1]
	stats.ArchiveID = latest.ArchiveID

	validTreeHashes := make(map[[32]byte]struct{}, len(dataArchives))
	for _, a := range dataArchives {
		h, err := decodeTreeHash(a.SHA256TreeHash)
		if err != nil {
			continue
		}
		validTreeHashes[h] = struct{}{}
	}

	jobID, err := cctx.Glacier.CreateJob(ctx, glacier.JobTypeArchiveRetrieval, latest.ArchiveID)
	if err != nil {
		return stats, fmt.Errorf("commands: repair: create archive-retrieval job: %w", err)
	}
	if _, err := awaitJob(ctx, cctx.Glacier, jobID, defaultPollInterval); err != nil {
		return stats, err
	}
	body, _, err := cctx.Glacier.GetJobOutput(ctx, jobID)
	if err != nil {
		return stats, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return stats, fmt.Errorf("commands: repair: read archive body: %w: %w", err, gerrors.ErrIO)
	}

	files, err := kvpack.Unpack(cctx.Crypter, raw)
	if err != nil {
		return stats, fmt.Errorf("commands: repair: unpack catalog archive: %w", err)
	}

	for _, f := range files {
		switch f.Name {
		case "index":
			for digestKey, buf := range f.Pairs {
				var digest [32]byte
				copy(digest[:], []byte(digestKey))
				entry, err := index.UnmarshalEntry(buf)
				if err != nil {
					return stats, fmt.Errorf("commands: repair: decode index entry: %w", err)
				}
				if _, ok := validTreeHashes[entry.FileTreeHash]; !ok {
					cctx.Log.Warnf("repair: skipping index entry %x: backing archive %x absent from inventory", digest, entry.FileTreeHash)
					continue
				}
				if err := cctx.Index.Add(digest, entry); err != nil && !errors.Is(err, gerrors.ErrDuplicateDigest) {
					return stats, fmt.Errorf("commands: repair: add index entry: %w", err)
				}
				stats.IndexEntries++
			}
		case "catalog":
			for pathKey, buf := range f.Pairs {
				entry, err := catalog.UnmarshalEntry(buf)
				if err != nil {
					return stats, fmt.Errorf("commands: repair: decode catalog entry: %w", err)
				}
				if err := cctx.Catalog.Put([]byte(pathKey), entry); err != nil {
					return stats, fmt.Errorf("commands: repair: restore catalog entry: %w", err)
				}
				stats.CatalogEntries++
			}
		}
	}

	return stats, nil
}
