package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/index"
	"github.com/pmoor/gletscher/kvpack"
	"github.com/pmoor/gletscher/upload"
)

// UploadCatalog packs the persistent Index and the _global Catalog into
// a single kv-pack container and uploads it as a `{"type":"catalog"}`
// archive.
func UploadCatalog(ctx context.Context, cctx *Context, name string) (archiveID string, err error) {
	indexFile, err := packIndex(cctx.Index)
	if err != nil {
		return "", err
	}
	catalogFile, err := packCatalog(cctx)
	if err != nil {
		return "", err
	}

	body, err := kvpack.Pack(cctx.Crypter, []kvpack.File{indexFile, catalogFile})
	if err != nil {
		return "", fmt.Errorf("commands: pack catalog archive: %w", err)
	}

	desc, err := json.Marshal(struct {
		Backup string `json:"backup"`
		Type   string `json:"type"`
		Name   string `json:"name"`
	}{Backup: cctx.Config.ID.UUID, Type: "catalog", Name: name})
	if err != nil {
		return "", fmt.Errorf("commands: marshal archive description: %w", err)
	}

	partSize := int(cctx.Config.Scanning.UploadChunkSize)
	uploadID, err := cctx.Glacier.InitiateMultipartUpload(ctx, uint64(partSize), string(desc))
	if err != nil {
		return "", fmt.Errorf("commands: initiate catalog upload: %w", err)
	}
	pu := upload.New(ctx, cctx.Glacier, uploadID, partSize)
	if err := pu.Write(body); err != nil {
		return "", fmt.Errorf("commands: write catalog archive: %w", err)
	}
	archiveID, _, err = pu.Finish()
	if err != nil {
		return "", fmt.Errorf("commands: finish catalog upload: %w", err)
	}
	return archiveID, nil
}

func packIndex(idx *index.Index) (kvpack.File, error) {
	entries, err := idx.Entries()
	if err != nil {
		return kvpack.File{}, err
	}
	pairs := make(map[string][]byte, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		key := string(e.Digest[:])
		pairs[key] = e.Entry.MarshalBinary()
		order = append(order, key)
	}
	return kvpack.File{Name: "index", Pairs: pairs, Order: order}, nil
}

func packCatalog(cctx *Context) (kvpack.File, error) {
	pairs := make(map[string][]byte)
	var order []string
	err := cctx.Catalog.Walk(func(pe catalog.PathEntry) error {
		key := string(pe.Path)
		pairs[key] = catalog.MarshalEntry(pe.Entry)
		order = append(order, key)
		return nil
	})
	if err != nil {
		return kvpack.File{}, err
	}
	return kvpack.File{Name: "catalog", Pairs: pairs, Order: order}, nil
}
