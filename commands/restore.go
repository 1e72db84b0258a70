package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pmoor/gletscher/base"
	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/reconcile"
)

// RestoreOptions configures `restore --catalog NAME REGEX...`.
type RestoreOptions struct {
	Patterns []string
	DestDir  string
}

// Restore matches paths against cat, resolves each digest through the
// Index to an archive tree hash plus byte range, retrieves the backing
// archives via archive-retrieval jobs, and decrypts each chunk into the
// output file. cat is the catalog to match against (the caller picks the
// _global catalog or a specific per-run snapshot).
func Restore(ctx context.Context, cctx *Context, cat *catalog.Catalog, opts RestoreOptions) ([]string, error) {
	compiled, err := catalog.CompilePatterns(opts.Patterns)
	if err != nil {
		return nil, err
	}
	matches, err := cat.Match(compiled)
	if err != nil {
		return nil, err
	}

	archives, err := reconcile.FetchInventory(ctx, cctx.Glacier, reconcile.DefaultMaxAge, defaultPollInterval)
	if err != nil {
		return nil, err
	}
	archiveIDByTreeHash := make(map[[32]byte]string)
	for _, a := range archives {
		b, err := hex.DecodeString(a.SHA256TreeHash)
		if err != nil || len(b) != 32 {
			continue
		}
		var h [32]byte
		copy(h[:], b)
		archiveIDByTreeHash[h] = a.ArchiveID
	}

	downloads := map[[32]byte]base.ReadSeekCloser{}
	defer func() {
		for _, r := range downloads {
			r.Close()
		}
	}()

	var restored []string
	for _, m := range matches {
		if m.Entry.Kind != catalog.KindRegular {
			continue
		}
		outPath := filepath.Join(opts.DestDir, string(m.Path))
		if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
			return restored, fmt.Errorf("commands: mkdir for %s: %w: %w", outPath, err, gerrors.ErrIO)
		}
		out, err := os.Create(outPath)
		if err != nil {
			return restored, fmt.Errorf("commands: create %s: %w: %w", outPath, err, gerrors.ErrIO)
		}

		for _, digest := range m.Entry.Digests {
			entry, ok, err := cctx.Index.Get(digest)
			if err != nil {
				out.Close()
				return restored, err
			}
			if !ok {
				out.Close()
				return restored, fmt.Errorf("commands: restore %s: digest %x absent from index: %w", m.Path, digest, gerrors.ErrDataMissing)
			}

			r, err := downloadArchive(ctx, cctx, archiveIDByTreeHash, downloads, entry.FileTreeHash)
			if err != nil {
				out.Close()
				return restored, err
			}
			if _, err := r.Seek(int64(entry.Offset), io.SeekStart); err != nil {
				out.Close()
				return restored, fmt.Errorf("commands: seek archive for %s: %w", m.Path, err)
			}
			record := make([]byte, entry.PersistedLength)
			if _, err := io.ReadFull(r, record); err != nil {
				out.Close()
				return restored, fmt.Errorf("commands: read chunk record for %s: %w: %w", m.Path, err, gerrors.ErrIO)
			}
			plaintext, err := cctx.Crypter.DecryptChunk(entry.StorageVersion, digest, record)
			if err != nil {
				out.Close()
				return restored, fmt.Errorf("commands: decrypt chunk for %s: %w", m.Path, err)
			}
			if _, err := out.Write(plaintext); err != nil {
				out.Close()
				return restored, fmt.Errorf("commands: write %s: %w: %w", outPath, err, gerrors.ErrIO)
			}
		}
		out.Close()
		restored = append(restored, outPath)
	}
	return restored, nil
}

// downloadArchive returns a seekable reader over the archive holding
// fileTreeHash, starting an archive-retrieval job and waiting for it on
// first use; subsequent digests in the same archive reuse the download.
func downloadArchive(ctx context.Context, cctx *Context, archiveIDByTreeHash map[[32]byte]string, downloads map[[32]byte]base.ReadSeekCloser, fileTreeHash [32]byte) (base.ReadSeekCloser, error) {
	if r, ok := downloads[fileTreeHash]; ok {
		return r, nil
	}
	archiveID, ok := archiveIDByTreeHash[fileTreeHash]
	if !ok {
		return nil, fmt.Errorf("commands: no inventory archive for tree hash %x: %w", fileTreeHash, gerrors.ErrDataMissing)
	}

	jobID, err := cctx.Glacier.CreateJob(ctx, glacier.JobTypeArchiveRetrieval, archiveID)
	if err != nil {
		return nil, fmt.Errorf("commands: create archive-retrieval job for %s: %w", archiveID, err)
	}
	if _, err := awaitJob(ctx, cctx.Glacier, jobID, defaultPollInterval); err != nil {
		return nil, err
	}
	body, length, err := cctx.Glacier.GetJobOutput(ctx, jobID)
	if err != nil {
		return nil, err
	}

	cache, err := os.CreateTemp(cctx.Config.TmpDir(), "restore-*.archive")
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("commands: create restore scratch file: %w: %w", err, gerrors.ErrIO)
	}
	r := base.NewSeekableReader(body, cache, length)
	downloads[fileTreeHash] = r
	return r, nil
}
