package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/etl"
)

type runnerFunc func(ctx context.Context) (etl.Result, error)

func (f runnerFunc) Run(ctx context.Context) (etl.Result, error) { return f(ctx) }

type recorder struct {
	core.NopLogger
	mu      sync.Mutex
	entries []string
}

func (r *recorder) record(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, level+": "+msg)
}

func (r *recorder) Info(msg string, _ ...interface{})  { r.record("info", msg) }
func (r *recorder) Warn(msg string, _ ...interface{})  { r.record("warn", msg) }
func (r *recorder) Error(msg string, _ ...interface{}) { r.record("error", msg) }

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{name: "cron spec", schedule: "*/15 * * * *"},
		{name: "descriptor", schedule: "@every 1h"},
		{name: "seconds field is not accepted", schedule: "0 */15 * * * *", wantErr: true},
		{name: "garbage", schedule: "whenever", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.schedule, runnerFunc(nil), time.Minute, core.NopLogger{})
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduler_runETL(t *testing.T) {
	tests := []struct {
		name string
		run  runnerFunc
		want string
	}{
		{
			name: "success",
			run:  func(context.Context) (etl.Result, error) { return etl.Result{Transactions: 2, Facts: 6}, nil },
			want: "info: scheduled etl finished",
		},
		{
			name: "locked elsewhere",
			run: func(context.Context) (etl.Result, error) {
				return etl.Result{}, core.NewValidationError(etl.ErrRunInProgress)
			},
			want: "info: scheduled etl skipped: another run holds the lock",
		},
		{
			name: "failure",
			run:  func(context.Context) (etl.Result, error) { return etl.Result{}, errors.New("boom") },
			want: "warn: scheduled etl failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &recorder{}
			s, err := New("@every 1h", tt.run, time.Minute, logger)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			s.runETL()
			assert.Equal(t, []string{tt.want}, logger.entries)
		})
	}
}

func TestScheduler_runETL_Timeout(t *testing.T) {
	var deadline time.Time
	s, err := New("@every 1h", runnerFunc(func(ctx context.Context) (etl.Result, error) {
		deadline, _ = ctx.Deadline()
		return etl.Result{}, nil
	}), time.Minute, core.NopLogger{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.runETL()
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestScheduler_Stop(t *testing.T) {
	s, err := New("@every 1h", runnerFunc(nil), 0, core.NopLogger{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err = s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v, wantErr %v", err, false)
	}
}
