package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// MaintenanceConfig tunes the periodic sweeps.
type MaintenanceConfig struct {
	// CheckInterval is how often an update-check job is enqueued.
	CheckInterval time.Duration
	// CleanupInterval is how often terminal jobs are purged.
	CleanupInterval time.Duration
	// Retention is how long terminal jobs are kept.
	Retention time.Duration
	// LockTTL bounds how long a crashed holder blocks the next sweep.
	LockTTL time.Duration
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
}

// Locker is the distributed lock surface of the shared limiter service.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// Maintenance periodically enqueues update checks and purges old jobs. Every
// sweep runs under a distributed lock so only one process in the fleet acts.
type Maintenance struct {
	ops    *Operations
	store  Store
	locks  Locker
	clock  scrape.Clock
	cfg    MaintenanceConfig
	logger *zap.Logger
}

// NewMaintenance wires the scheduler.
func NewMaintenance(
	ops *Operations,
	st Store,
	locks Locker,
	clock scrape.Clock,
	cfg MaintenanceConfig,
	logger *zap.Logger,
) *Maintenance {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Maintenance{
		ops:    ops,
		store:  st,
		locks:  locks,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, firing sweeps until the context finishes.
func (m *Maintenance) Run(ctx context.Context) {
	checkTicker := time.NewTicker(m.cfg.CheckInterval)
	defer checkTicker.Stop()
	cleanupTicker := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkTicker.C:
			m.runLocked(ctx, "scheduler:check_updates", m.enqueueUpdateCheck)
		case <-cleanupTicker.C:
			m.runLocked(ctx, "scheduler:cleanup_jobs", m.purgeOldJobs)
		}
	}
}

func (m *Maintenance) runLocked(ctx context.Context, lockName string, fn func(context.Context) error) {
	acquired, err := m.locks.AcquireLock(ctx, lockName, m.cfg.LockTTL)
	if err != nil {
		m.logger.Error("lock acquire failed", zap.String("lock", lockName), zap.Error(err))
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := m.locks.ReleaseLock(ctx, lockName); err != nil {
			m.logger.Warn("lock release failed", zap.String("lock", lockName), zap.Error(err))
		}
	}()

	if err := fn(ctx); err != nil {
		m.logger.Error("maintenance sweep failed", zap.String("lock", lockName), zap.Error(err))
	}
}

func (m *Maintenance) enqueueUpdateCheck(ctx context.Context) error {
	job, err := m.ops.EnqueueUpdateCheck(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("update check enqueued", zap.Int64("job_id", job.ID))
	return nil
}

func (m *Maintenance) purgeOldJobs(ctx context.Context) error {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)
	purged, err := m.store.PurgeTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		m.logger.Info("terminal jobs purged", zap.Int64("count", purged))
	}
	return nil
}
