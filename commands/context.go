// Package commands wires every leaf component (config, crypt, index,
// catalog, streamer, upload, kvpack, glacier, reconcile) into the
// operations gletscher's CLI surface exposes: init, backup,
// upload_catalog, reconcile, restore, glacier_list_jobs,
// glacier_retrieve_job_output, repair, and search_catalog.
//
// Every operation takes a *Context explicitly rather than reaching for
// package-level state; cmd/gletscher constructs exactly one Context per
// invocation.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pmoor/gletscher/catalog"
	"github.com/pmoor/gletscher/config"
	"github.com/pmoor/gletscher/crypt"
	"github.com/pmoor/gletscher/glacier"
	"github.com/pmoor/gletscher/index"
)

// GlacierClient is the full surface commands needs from a Glacier vault:
// the multipart upload lifecycle (streamer/upload) plus the job lifecycle
// (reconcile/restore/repair). *glacier.Client satisfies this structurally;
// it is named here, rather than used as a concrete type, so tests can
// substitute a fake.
type GlacierClient interface {
	InitiateMultipartUpload(ctx context.Context, partSize uint64, description string) (string, error)
	UploadPart(ctx context.Context, uploadID string, start, end uint64, treeHash [32]byte, part []byte) error
	CompleteMultipartUpload(ctx context.Context, uploadID string, archiveSize uint64, treeHash [32]byte) (string, error)
	AbortMultipartUpload(ctx context.Context, uploadID string) error
	ListParts(ctx context.Context, uploadID string) ([]glacier.PartListing, error)
	CreateJob(ctx context.Context, jobType glacier.JobType, archiveID string) (string, error)
	ListJobs(ctx context.Context) ([]glacier.Job, error)
	GetJobOutput(ctx context.Context, jobID string) (io.ReadCloser, int64, error)
}

// Context bundles the state every command operation needs.
type Context struct {
	Config  *config.Config
	Crypter *crypt.Crypter
	Glacier GlacierClient
	Index   *index.Index
	Catalog *catalog.Catalog // the _global catalog
	Log     *logrus.Logger

	logFile *os.File
}

// Open loads the configuration directory at dir, opens the Index and the
// _global Catalog, and constructs a ready-to-use Context. Callers are
// responsible for calling Close.
func Open(dir string) (*Context, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	key, err := cfg.SecretKey()
	if err != nil {
		return nil, err
	}
	crypter, err := crypt.New(key)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(cfg.GlobalCatalogPath())
	if err != nil {
		idx.Close()
		return nil, err
	}

	glacierClient := glacier.New(glacier.Config{
		Region:          cfg.AWS.Region,
		AccountID:       cfg.AWS.AccountID,
		AccessKey:       cfg.AWS.AccessKey,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		VaultName:       cfg.Glacier.VaultName,
	}, nil)

	log := logrus.New()
	logFile, err := os.OpenFile(cfg.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		idx.Close()
		cat.Close()
		return nil, fmt.Errorf("commands: open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))

	return &Context{
		Config:  cfg,
		Crypter: crypter,
		Glacier: glacierClient,
		Index:   idx,
		Catalog: cat,
		Log:     log,
		logFile: logFile,
	}, nil
}

// Close releases the Index and Catalog database handles and the log file.
func (c *Context) Close() error {
	err1 := c.Index.Close()
	err2 := c.Catalog.Close()
	err3 := c.logFile.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}
