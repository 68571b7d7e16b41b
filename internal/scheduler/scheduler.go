// Package scheduler runs the periodic ETL pass on a cron schedule.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is a scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron instance whose jobs never overlap themselves.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	entries int
}

// New creates a stopped scheduler.
func New() *Scheduler {
	log := zap.L().With(zap.String("component", "scheduler"))
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job under spec. An empty spec disables the job and is not an
// error.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if spec == "" {
		s.log.Info("scheduler: job disabled", zap.String("job", name))
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Info("scheduler: job starting", zap.String("job", name))
		if err := job(s.ctx); err != nil {
			s.log.Error("scheduler: job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.log.Info("scheduler: job complete", zap.String("job", name))
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: add %s with schedule %q", name, spec)
	}
	s.entries++
	s.log.Info("scheduler: job registered", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int { return s.entries }

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx expires, then
// cancels them.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	defer s.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: stop")
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(kv []any) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
