package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Scan interface {
	RunScan(ctx context.Context, now time.Time) (ScanResult, error)
}

// Runner invokes a scan on a cron schedule. A tick that fires while the
// previous one is still running is skipped.
type Runner struct {
	logger  *zap.Logger
	scan    Scan
	cron    *cron.Cron
	timeout time.Duration

	ctx context.Context
}

// NewRunner parses schedule as a cron expression with a leading seconds
// field. Each tick runs with the given timeout.
func NewRunner(logger *zap.Logger, scan Scan, schedule string, timeout time.Duration, loc *time.Location) (*Runner, error) {
	if loc == nil {
		loc = time.Local
	}
	logger = logger.Named("runner")

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	r := &Runner{
		logger:  logger,
		scan:    scan,
		timeout: timeout,
		ctx:     context.Background(),
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}

	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running tick to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.ctx = ctx
	r.cron.Start()
	r.logger.Info("scan schedule started", zap.Time("next", r.next()))

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("scan schedule stopped")
	return nil
}

func (r *Runner) next() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (r *Runner) tick() {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.scan.RunScan(ctx, time.Now())
	if err != nil {
		r.logger.Error("scan failed", zap.Error(err))
		return
	}
	if result.Skipped {
		return
	}
	if len(result.Errors) > 0 {
		r.logger.Warn("scan finished with errors",
			zap.Int("published", result.Published),
			zap.Errors("errors", result.Errors),
		)
		return
	}
	r.logger.Info("scan finished", zap.Int("published", result.Published))
}
