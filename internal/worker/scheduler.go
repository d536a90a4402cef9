package worker

import (
	"context"
	"fmt"
	"time"

	"course-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Locker provides a cluster-wide mutex. *redisclient.Client satisfies it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Job is a periodic task. Run reports how many items it processed.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs periodic jobs so that only one replica executes a given job at a time.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. lockTTL also bounds a single job run.
func NewScheduler(locker Locker, lockTTL time.Duration) *Scheduler {
	logger := util.GetLogger()
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job on its cron spec
func (s *Scheduler) Register(job Job) error {
	if _, err := s.cron.AddFunc(job.Spec, func() { s.runJob(s.ctx, job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}
	s.logger.Info("Scheduled job", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

// Start starts the scheduler in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	token, err := s.locker.AcquireLock(ctx, "job:"+job.Name, s.lockTTL)
	if err != nil {
		util.ScheduledJobRunsTotal.WithLabelValues(job.Name, "lock_error").Inc()
		s.logger.Error("Failed to acquire job lock", zap.String("job", job.Name), zap.Error(err))
		return
	}
	if token == "" {
		util.ScheduledJobRunsTotal.WithLabelValues(job.Name, "skipped").Inc()
		s.logger.Debug("Job is running elsewhere", zap.String("job", job.Name))
		return
	}
	defer func() {
		if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), "job:"+job.Name, token); err != nil {
			s.logger.Warn("Failed to release job lock", zap.String("job", job.Name), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	start := time.Now()
	n, err := job.Run(runCtx)
	if err != nil {
		util.ScheduledJobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error("Job failed",
			zap.String("job", job.Name),
			zap.Int("processed", n),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}

	util.ScheduledJobRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	if n > 0 {
		s.logger.Info("Job finished",
			zap.String("job", job.Name),
			zap.Int("processed", n),
			zap.Duration("duration", time.Since(start)))
	}
}

// cronLogger routes cron's own messages through zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
