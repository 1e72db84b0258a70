package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pmoor/gletscher/commands"
)

// stringList accumulates repeated flag occurrences, e.g. `--exclude`.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runInit(configDir string, args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	region := fs.String("region", "", "AWS region")
	accountID := fs.String("account_id", "", "AWS account id")
	accessKey := fs.String("access_key", "", "AWS access key")
	secretAccessKey := fs.String("secret_access_key", "", "AWS secret access key")
	vaultName := fs.String("vault_name", "", "Glacier vault name")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	_, err := commands.Init(commands.InitOptions{
		Dir:             configDir,
		Region:          *region,
		AccountID:       *accountID,
		AccessKey:       *accessKey,
		SecretAccessKey: *secretAccessKey,
		VaultName:       *vaultName,
	})
	if err != nil {
		return reportAndClassify(err)
	}
	return exitSuccess
}

func runBackup(ctx context.Context, cctx *commands.Context, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	catalogName := fs.String("catalog", "", "catalog name")
	var excludes stringList
	fs.Var(&excludes, "exclude", "path to exclude (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	roots := fs.Args()
	if *catalogName == "" || len(roots) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gletscher backup --catalog NAME [--exclude PATH]... PATH...")
		return exitUsage
	}

	if _, err := commands.Backup(ctx, cctx, commands.BackupOptions{
		CatalogName: *catalogName,
		Roots:       roots,
		Excludes:    []string(excludes),
	}); err != nil {
		return reportAndClassify(err)
	}
	return exitSuccess
}

func runUploadCatalog(ctx context.Context, cctx *commands.Context, args []string) int {
	fs := flag.NewFlagSet("upload_catalog", flag.ContinueOnError)
	name := fs.String("name", "_global", "archive description name")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	archiveID, err := commands.UploadCatalog(ctx, cctx, *name)
	if err != nil {
		return reportAndClassify(err)
	}
	cctx.Log.Infof("uploaded catalog archive %s", archiveID)
	return exitSuccess
}

func runReconcile(ctx context.Context, cctx *commands.Context, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	pollIntervalSeconds := fs.Int("poll_interval", 0, "seconds between inventory-job polls")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	_, err := commands.Reconcile(ctx, cctx, commands.ReconcileOptions{PollInterval: time.Duration(*pollIntervalSeconds) * time.Second})
	if err != nil {
		return reportAndClassify(err)
	}
	cctx.Log.Info("reconcile: clean")
	return exitSuccess
}

func runRestore(ctx context.Context, cctx *commands.Context, args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	catalogName := fs.String("catalog", "", "catalog name")
	dest := fs.String("dest", ".", "destination directory")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	patterns := fs.Args()
	if *catalogName == "" || len(patterns) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gletscher restore --catalog NAME REGEX...")
		return exitUsage
	}

	cat, err := commands.OpenNamedCatalog(cctx, *catalogName)
	if err != nil {
		return reportAndClassify(err)
	}
	defer cat.Close()

	restored, err := commands.Restore(ctx, cctx, cat, commands.RestoreOptions{Patterns: patterns, DestDir: *dest})
	if err != nil {
		return reportAndClassify(err)
	}
	cctx.Log.Infof("restored %d files to %s", len(restored), *dest)
	return exitSuccess
}

func runGlacierListJobs(ctx context.Context, cctx *commands.Context, args []string) int {
	jobs, err := commands.ListJobs(ctx, cctx)
	if err != nil {
		return reportAndClassify(err)
	}
	for _, j := range jobs {
		fmt.Printf("%s\t%s\t%s\n", j.JobID, j.StatusCode, j.ArchiveID)
	}
	return exitSuccess
}

func runGlacierRetrieveJobOutput(ctx context.Context, cctx *commands.Context, args []string) int {
	fs := flag.NewFlagSet("glacier_retrieve_job_output", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) != 1 || *out == "" {
		fmt.Fprintln(os.Stderr, "usage: gletscher glacier_retrieve_job_output JOB -o FILE")
		return exitUsage
	}
	if err := commands.RetrieveJobOutput(ctx, cctx, rest[0], *out); err != nil {
		return reportAndClassify(err)
	}
	return exitSuccess
}

func runRepair(ctx context.Context, cctx *commands.Context, args []string) int {
	stats, err := commands.Repair(ctx, cctx)
	if err != nil {
		return reportAndClassify(err)
	}
	cctx.Log.Infof("repair complete: %d index entries, %d catalog entries restored from %s", stats.IndexEntries, stats.CatalogEntries, stats.ArchiveID)
	return exitSuccess
}

func runSearchCatalog(cctx *commands.Context, args []string) int {
	fs := flag.NewFlagSet("search_catalog", flag.ContinueOnError)
	catalogName := fs.String("catalog", "", "catalog name")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	patterns := fs.Args()
	if *catalogName == "" || len(patterns) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gletscher search_catalog --catalog NAME REGEX...")
		return exitUsage
	}

	cat, err := commands.OpenNamedCatalog(cctx, *catalogName)
	if err != nil {
		return reportAndClassify(err)
	}
	defer cat.Close()

	results, err := commands.Search(cat, patterns)
	if err != nil {
		return reportAndClassify(err)
	}
	for _, r := range results {
		fmt.Printf("%d\t%d\t%s\n", r.Size, r.Mtime, r.Path)
	}
	return exitSuccess
}
