// Package scheduler runs the warehouse load on a cron schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/etl"
)

// Runner is the ETL entry point the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (etl.Result, error)
}

type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  core.Logger
}

// New returns a scheduler running runner on schedule (standard 5-field cron spec or a descriptor
// like "@every 15m"). A run still going when the next one is due makes the latter skip.
func New(schedule string, runner Runner, timeout time.Duration, logger core.Logger) (*Scheduler, error) {
	cl := cronLogger{logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.runETL); err != nil {
		return nil, errors.Wrapf(err, "scheduling etl %q", schedule)
	}
	return s, nil
}

func (s *Scheduler) runETL() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.runner.Run(ctx)
	switch {
	case core.ValidationCause(err) == etl.ErrRunInProgress:
		s.logger.Info("scheduled etl skipped: another run holds the lock")
	case err != nil:
		s.logger.Warn("scheduled etl failed", err)
	default:
		s.logger.Info("scheduled etl finished", map[string]interface{}{
			"transactions": res.Transactions,
			"facts":        res.Facts,
		})
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for running etl")
	}
}

// cronLogger adapts core.Logger to cron.Logger.
type cronLogger struct {
	logger core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, kvMap(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, err, kvMap(keysAndValues))
}

func kvMap(keysAndValues []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			m[k] = keysAndValues[i+1]
		}
	}
	return m
}
