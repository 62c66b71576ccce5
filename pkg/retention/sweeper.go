package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/campusauth/pkg/observability"
)

// Job names
const (
	JobSessions      = "expired_sessions"
	JobLoginAttempts = "login_attempts"
	JobRefreshTokens = "expired_refresh_tokens"
)

// Defaults for the retention jobs
const (
	DefaultSessionSchedule      = "@hourly"
	DefaultLoginAttemptSchedule = "@daily"
	DefaultRefreshSchedule      = "@hourly"
	DefaultAuditRetentionYears  = 7
	DefaultJobTimeout           = 5 * time.Minute
)

// Purger is the part of the store the sweeper deletes through
type Purger interface {
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	PurgeLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// Config configures the sweeper schedules
type Config struct {
	SessionSchedule      string
	LoginAttemptSchedule string
	RefreshSchedule      string
	// AuditRetentionYears is how long login attempts are kept
	AuditRetentionYears int
	JobTimeout          time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// DefaultConfig returns the default schedules
func DefaultConfig() Config {
	return Config{
		SessionSchedule:      DefaultSessionSchedule,
		LoginAttemptSchedule: DefaultLoginAttemptSchedule,
		RefreshSchedule:      DefaultRefreshSchedule,
		AuditRetentionYears:  DefaultAuditRetentionYears,
		JobTimeout:           DefaultJobTimeout,
	}
}

// Result maps job name to rows deleted
type Result map[string]int64

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper deletes expired rows on a cron schedule
type Sweeper struct {
	store   Purger
	cron    *cron.Cron
	jobs    []job
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSweeper builds the jobs and registers them with a cron scheduler.
// Nothing runs until Start.
func NewSweeper(store Purger, config Config) (*Sweeper, error) {
	defaults := DefaultConfig()
	if config.SessionSchedule == "" {
		config.SessionSchedule = defaults.SessionSchedule
	}
	if config.LoginAttemptSchedule == "" {
		config.LoginAttemptSchedule = defaults.LoginAttemptSchedule
	}
	if config.RefreshSchedule == "" {
		config.RefreshSchedule = defaults.RefreshSchedule
	}
	if config.AuditRetentionYears <= 0 {
		config.AuditRetentionYears = defaults.AuditRetentionYears
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Sweeper{
		store:   store,
		timeout: config.JobTimeout,
		logger:  config.Logger.WithField("component", "retention"),
		metrics: config.Metrics,
		now:     config.Now,
	}

	years := config.AuditRetentionYears
	s.jobs = []job{
		{
			name:     JobSessions,
			schedule: config.SessionSchedule,
			run:      store.PurgeExpiredSessions,
		},
		{
			name:     JobLoginAttempts,
			schedule: config.LoginAttemptSchedule,
			run: func(ctx context.Context, now time.Time) (int64, error) {
				return store.PurgeLoginAttemptsBefore(ctx, now.AddDate(-years, 0, 0))
			},
		},
		{
			name:     JobRefreshTokens,
			schedule: config.RefreshSchedule,
			run:      store.PurgeExpiredRefreshTokens,
		},
	}

	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.schedule, func() {
			s.runJob(context.Background(), j)
		}); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", j.schedule, j.name, err)
		}
	}

	return s, nil
}

// Start begins scheduled runs
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("retention sweeper started")
}

// Stop halts scheduling and waits for running jobs or ctx
func (s *Sweeper) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("retention sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retention sweeper did not stop: %w", ctx.Err())
	}
}

// RunOnce runs every job concurrently and reports rows deleted per job.
// The first job error is returned; counts of the other jobs are kept.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	result := make(Result, len(s.jobs))
	var mu sync.Mutex

	var g errgroup.Group
	for _, j := range s.jobs {
		g.Go(func() error {
			n, err := s.runJob(ctx, j)
			if err != nil {
				return fmt.Errorf("%s: %w", j.name, err)
			}
			mu.Lock()
			result[j.name] = n
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return result, err
}

func (s *Sweeper) runJob(ctx context.Context, j job) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.run(ctx, s.now().UTC())
	s.metrics.RecordSweep(j.name, n, err)

	log := s.logger.WithFields(map[string]interface{}{
		"job":      j.name,
		"deleted":  n,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Error("retention job failed")
		return 0, err
	}
	log.Debug("retention job completed")
	return n, nil
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
