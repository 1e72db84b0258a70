package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/glacier"
)

// defaultPollInterval matches reconcile.DefaultPollInterval for the
// restore/repair retrieval-job wait loops.
const defaultPollInterval = 900 * time.Second

// sleep is overridable in tests so the wait loop below doesn't cost
// wall-clock minutes.
var sleep = time.Sleep

// awaitJob polls ListJobs until jobID reports Completed, sleeping
// pollInterval between polls. A Completed job whose
// StatusCode isn't "Succeeded" is a remote rejection of the retrieval
// itself.
func awaitJob(ctx context.Context, client interface {
	ListJobs(ctx context.Context) ([]glacier.Job, error)
}, jobID string, pollInterval time.Duration) (glacier.Job, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	for {
		if err := ctx.Err(); err != nil {
			return glacier.Job{}, err
		}
		jobs, err := client.ListJobs(ctx)
		if err != nil {
			return glacier.Job{}, fmt.Errorf("commands: list jobs: %w", err)
		}
		for _, j := range jobs {
			if j.JobID != jobID {
				continue
			}
			if !j.Completed {
				break
			}
			if !j.CompletedSuccessfully() {
				return glacier.Job{}, fmt.Errorf("commands: job %s finished with status %q: %w", jobID, j.StatusCode, gerrors.ErrRemoteRejection)
			}
			return j, nil
		}
		sleep(pollInterval)
	}
}
