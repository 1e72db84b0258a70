package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pmoor/gletscher/glacier"
)

// ListJobs backs the administrative `glacier_list_jobs` command.
func ListJobs(ctx context.Context, cctx *Context) ([]glacier.Job, error) {
	return cctx.Glacier.ListJobs(ctx)
}

// RetrieveJobOutput backs the administrative
// `glacier_retrieve_job_output JOB -o FILE` command: download a
// completed job's output verbatim to outputPath.
func RetrieveJobOutput(ctx context.Context, cctx *Context, jobID, outputPath string) error {
	rc, _, err := cctx.Glacier.GetJobOutput(ctx, jobID)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("commands: create %s: %w", outputPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("commands: write %s: %w", outputPath, err)
	}
	return nil
}
