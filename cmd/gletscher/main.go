// Command gletscher is the thin CLI surface over the commands package;
// flag parsing and AWS-field collection stay here so the commands
// package is free of terminal concerns.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pmoor/gletscher/commands"
	"github.com/pmoor/gletscher/gerrors"
)

// Exit codes surfaced to the operator.
const (
	exitSuccess   = 0
	exitUsage     = 1
	exitIntegrity = 2
	exitTransport = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("gletscher", flag.ContinueOnError)
	configDir := global.String("config", defaultConfigDir(), "configuration directory")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gletscher [--config DIR] <command> [args...]")
		return exitUsage
	}

	cmd, cmdArgs := rest[0], rest[1:]

	if cmd == "init" {
		return runInit(*configDir, cmdArgs)
	}

	cctx, err := commands.Open(*configDir)
	if err != nil {
		return reportAndClassify(err)
	}
	defer cctx.Close()

	ctx := context.Background()

	switch cmd {
	case "backup":
		return runBackup(ctx, cctx, cmdArgs)
	case "upload_catalog":
		return runUploadCatalog(ctx, cctx, cmdArgs)
	case "reconcile":
		return runReconcile(ctx, cctx, cmdArgs)
	case "restore":
		return runRestore(ctx, cctx, cmdArgs)
	case "glacier_list_jobs":
		return runGlacierListJobs(ctx, cctx, cmdArgs)
	case "glacier_retrieve_job_output":
		return runGlacierRetrieveJobOutput(ctx, cctx, cmdArgs)
	case "repair":
		return runRepair(ctx, cctx, cmdArgs)
	case "search_catalog":
		return runSearchCatalog(cctx, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return exitUsage
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gletscher"
	}
	return home + "/.gletscher"
}

// reportAndClassify logs err and maps it to an exit code:
// DataMissing/TreeHashMismatch are integrity failures (2),
// transport failures after retry exhaustion are 3, everything else is a
// usage/precondition failure (1).
func reportAndClassify(err error) int {
	fmt.Fprintln(os.Stderr, "gletscher:", err)
	switch {
	case gerrors.IsIntegrityFailure(err):
		return exitIntegrity
	case gerrors.IsTransportFailure(err):
		return exitTransport
	default:
		return exitUsage
	}
}
