package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/chunker"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/scanner"
	"github.com/pmoor/gletscher/streamer"
)

// BackupOptions configures one backup run.
type BackupOptions struct {
	CatalogName string
	Roots       []string
	Excludes    []string
}

// BackupStats summarizes one completed run.
type BackupStats struct {
	FilesScanned  int
	FilesChanged  int
	ChunksWritten int
	BytesWritten  uint64
}

// Backup drives the scan → chunk → hash → dedup → stream pipeline:
// Scanner feeds Chunker, each chunk is hashed and checked against the
// Index, misses are encrypted and streamed into rolling archives, and a
// per-path CatalogEntry is recorded into both the _global catalog and a
// fresh per-run snapshot.
func Backup(ctx context.Context, cctx *Context, opts BackupOptions) (BackupStats, error) {
	runCatalogPath := cctx.Config.CatalogPath(opts.CatalogName, time.Now().UTC().Format("20060102T150405Z"))
	runCatalog, err := catalog.Open(runCatalogPath)
	if err != nil {
		return BackupStats{}, err
	}
	defer runCatalog.Close()

	sc, err := scanner.New(opts.Roots, opts.Excludes)
	if err != nil {
		return BackupStats{}, err
	}

	st := streamer.New(ctx, cctx.Glacier, cctx.Crypter, cctx.Index, cctx.Config.ID.UUID, streamer.Options{
		MaxFileSize: uint64(cctx.Config.Scanning.MaxDataFileSize),
		PartSize:    int(cctx.Config.Scanning.UploadChunkSize),
	})

	var stats BackupStats
	for {
		entry, err := sc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			cctx.Log.WithError(err).Warn("backup: skipping unreadable entry")
			continue
		}
		stats.FilesScanned++

		catEntry, changed, err := backupOne(cctx, st, entry, &stats)
		if err != nil {
			return stats, err
		}
		if changed {
			stats.FilesChanged++
		}

		path := []byte(entry.Path)
		if err := cctx.Catalog.Put(path, catEntry); err != nil {
			return stats, fmt.Errorf("commands: update global catalog for %s: %w", entry.Path, err)
		}
		if err := runCatalog.Put(path, catEntry); err != nil {
			return stats, fmt.Errorf("commands: update run catalog for %s: %w", entry.Path, err)
		}
	}

	if err := st.Seal(); err != nil {
		return stats, fmt.Errorf("commands: seal final archive: %w", err)
	}

	cctx.Log.WithFields(map[string]interface{}{
		"scanned": stats.FilesScanned,
		"changed": stats.FilesChanged,
		"bytes":   humanize.Bytes(stats.BytesWritten),
	}).Info("backup complete")
	return stats, nil
}

// backupOne produces the CatalogEntry for one scanned path, re-chunking
// and re-encrypting a regular file only when posixStat reports a change
// against the _global catalog's recorded observation.
func backupOne(cctx *Context, st *streamer.Streamer, entry scanner.Entry, stats *BackupStats) (catalog.Entry, bool, error) {
	stat := posixStat(entry.Info)

	switch {
	case entry.Info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(entry.Path)
		if err != nil {
			return catalog.Entry{}, false, fmt.Errorf("commands: readlink %s: %w: %w", entry.Path, err, gerrors.ErrIO)
		}
		return catalog.Entry{Kind: catalog.KindSymlink, Stat: stat, SymlinkTarget: []byte(target)}, true, nil

	case entry.Info.IsDir():
		return catalog.Entry{Kind: catalog.KindDir, Stat: stat}, true, nil

	default:
		existing, ok, err := cctx.Catalog.Get([]byte(entry.Path))
		if err != nil {
			return catalog.Entry{}, false, err
		}
		if ok && existing.Kind == catalog.KindRegular && !existing.HasChanged(stat) {
			return existing, false, nil
		}

		digests, total, err := chunkAndStream(cctx, st, entry.Path, stats)
		if err != nil {
			return catalog.Entry{}, false, err
		}
		stats.BytesWritten += total
		// stat.Size must equal the sum of the digests' original lengths,
		// not entry.Info.Size() taken at scan time: a file resized between
		// scan and read would otherwise leave the persisted CatalogEntry
		// size disagreeing with
		// what was actually chunked and stored.
		stat.Size = total
		return catalog.Entry{Kind: catalog.KindRegular, Stat: stat, Digests: digests}, true, nil
	}
}

func chunkAndStream(cctx *Context, st *streamer.Streamer, path string, stats *BackupStats) ([][32]byte, uint64, error) {
	c, err := chunker.Open(path, int(cctx.Config.Scanning.MaxChunkSize), 0)
	if err != nil {
		return nil, 0, err
	}
	defer c.Close()

	var digests [][32]byte
	var total uint64
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}

		digest := cctx.Crypter.Hash(chunk)
		digests = append(digests, digest)
		total += uint64(len(chunk))

		alreadyStored, err := cctx.Index.Contains(digest)
		if err != nil {
			return nil, 0, err
		}
		if alreadyStored {
			continue
		}

		plaintext := append([]byte(nil), chunk...)
		if err := st.Write(digest, plaintext); err != nil {
			return nil, 0, fmt.Errorf("commands: stream chunk for %s: %w", path, err)
		}
		stats.ChunksWritten++
	}
	return digests, total, nil
}
