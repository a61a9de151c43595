package repo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tunnelmesh/objrepo/internal/schema"
)

// ScrubReport summarises a Scrub.
type ScrubReport struct {
	Objects        int64         `json:"objects"`
	Removed        int64         `json:"removed"`
	Repaired       int64         `json:"repaired"`
	RepairFailures int64         `json:"repair_failures"`
	Duration       time.Duration `json:"duration"`
}

// Scrub reads every object of the type, tombstones included, so that each
// stale or missing replica is repaired, and waits for the repairs.
func (r *Repository) Scrub(ctx context.Context) (report ScrubReport, err error) {
	start := time.Now()
	defer func() { r.observe("scrub", start, err) }()

	repairedBefore, failedBefore := r.repairsDone.Load(), r.repairsFailed.Load()
	var objects, removed atomic.Int64

	_, err = r.Find(ctx, FindOptions{
		Removed:   true,
		NoRedact:  true,
		NoCollect: true,
		Visitor: VisitorFunc(func(_ context.Context, obj *schema.Object) (any, error) {
			objects.Add(1)
			if obj.IsTombstone() {
				removed.Add(1)
			}
			return nil, nil
		}),
	})
	r.WaitForRepairs()

	report = ScrubReport{
		Objects:        objects.Load(),
		Removed:        removed.Load(),
		Repaired:       r.repairsDone.Load() - repairedBefore,
		RepairFailures: r.repairsFailed.Load() - failedBefore,
		Duration:       time.Since(start),
	}
	r.logger.Info().
		Int64("objects", report.Objects).
		Int64("removed", report.Removed).
		Int64("repaired", report.Repaired).
		Int64("repair_failures", report.RepairFailures).
		Dur("duration", report.Duration).
		Msg("scrub finished")
	return report, err
}
