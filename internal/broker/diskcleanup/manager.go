// Package diskcleanup keeps usable disk space above a configured floor by
// evicting least-recently-used cache files, without blocking normal
// operation when avoidable.
package diskcleanup

import (
	"context"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/Laisky/filebroker/library/log"
)

// Sweeper reclaims space under root until usable bytes reach goalUsable,
// never touching files younger than minAge.
type Sweeper interface {
	MakeSpace(ctx context.Context, root string, goalUsable int64, minAge time.Duration) error
}

// Config holds the quota thresholds of the cleanup controller.
type Config struct {
	// TriggerPercent starts cleanup when usable space falls below
	// total*(100-TriggerPercent)/100.
	TriggerPercent int
	// TargetPercent makes cleanup aim to leave total*(100-TargetPercent)/100
	// usable.
	TargetPercent int
	// MinFileAge protects young files from eviction.
	MinFileAge time.Duration
	// MinReserve is the space that must remain free after accepting any
	// upload.
	MinReserve int64
}

// Manager owns a storage root and answers space requests, reclaiming
// space when needed. At most one eviction sweep runs at a time.
type Manager struct {
	root    string
	cfg     Config
	usage   Usage
	sweeper Sweeper
	logger  logSDK.Logger

	// sweeps deduplicates concurrent sweep requests: later requests join
	// the in-flight sweep instead of starting a second one.
	sweeps singleflight.Group
}

// Option configures the manager.
type Option func(*Manager)

// WithUsage overrides the disk capacity source.
func WithUsage(usage Usage) Option {
	return func(m *Manager) {
		m.usage = usage
	}
}

// WithSweeper overrides the eviction sweep implementation.
func WithSweeper(sweeper Sweeper) Option {
	return func(m *Manager) {
		m.sweeper = sweeper
	}
}

// WithLogger overrides the default named logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a cleanup controller for the given cache root.
func New(root string, cfg Config, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, errors.New("root is required")
	}
	if cfg.TriggerPercent < 0 || cfg.TriggerPercent > 100 ||
		cfg.TargetPercent < 0 || cfg.TargetPercent > 100 {
		return nil, errors.Errorf("invalid cleanup percents: trigger %d, target %d",
			cfg.TriggerPercent, cfg.TargetPercent)
	}

	m := &Manager{
		root:   root,
		cfg:    cfg,
		usage:  StatfsUsage{},
		logger: log.Logger.Named("diskcleanup"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweeper == nil {
		m.sweeper = &DirSweeper{usage: m.usage, logger: m.logger}
	}

	if total, usable, err := m.usage.Usage(m.root); err == nil {
		m.logger.Info("disk cleanup configured",
			zap.String("total", humanize.IBytes(uint64(total))),
			zap.String("usable", humanize.IBytes(uint64(usable))),
			zap.String("soft_limit", humanize.IBytes(uint64(m.softLimit(total)))),
			zap.String("target_usable", humanize.IBytes(uint64(m.targetUsable(total)))),
			zap.String("min_reserve", humanize.IBytes(uint64(cfg.MinReserve))),
			zap.Duration("min_file_age", cfg.MinFileAge))
	}

	return m, nil
}

// softLimit is the usable-space floor that triggers cleanup.
func (m *Manager) softLimit(total int64) int64 {
	return total * int64(100-m.cfg.TriggerPercent) / 100
}

// targetUsable is the usable space a cleanup pass aims to leave.
func (m *Manager) targetUsable(total int64) int64 {
	return total * int64(100-m.cfg.TargetPercent) / 100
}

// HandleSpaceRequest answers whether requested bytes may be written to
// the cache area, starting a cleanup pass when necessary. On a soft
// limit the request is granted immediately and cleanup only scheduled.
// When waiting could help and allowWait is true, the call blocks until
// the cleanup pass is done and re-checks.
func (m *Manager) HandleSpaceRequest(ctx context.Context, requested int64, allowWait bool) (bool, error) {
	total, usable, err := m.usage.Usage(m.root)
	if err != nil {
		return false, errors.WithStack(err)
	}

	softLimit := m.softLimit(total)
	targetUsable := m.targetUsable(total)
	// canEverFit: the request fits once cleanup reaches its target
	canEverFit := targetUsable-m.cfg.MinReserve > requested

	switch {
	case usable-requested > softLimit:
		// enough space, cleanup limit will not be reached
		m.logger.Debug("enough space available, no need to do anything")
		return true, nil

	case usable-requested > m.cfg.MinReserve && canEverFit:
		// will cross the soft limit but not the reserve
		m.logger.Info("space request crosses soft limit, scheduling cleanup",
			zap.String("requested", humanize.IBytes(uint64(requested))),
			zap.String("usable", humanize.IBytes(uint64(usable))),
			zap.String("soft_limit", humanize.IBytes(uint64(softLimit))))
		m.ScheduleCleanup(requested)
		return true, nil

	case canEverFit:
		// not enough space yet, waiting for cleanup should help
		m.logger.Info("not enough space yet, cleanup required",
			zap.String("requested", humanize.IBytes(uint64(requested))),
			zap.String("usable", humanize.IBytes(uint64(usable))),
			zap.String("target_usable", humanize.IBytes(uint64(targetUsable))))

		if allowWait {
			m.CleanupAndWait(ctx, requested)
		} else {
			m.ScheduleCleanup(requested)
			m.logger.Info("waiting is not allowed, denying request")
			return false, nil
		}

		// check if the sweep freed enough
		_, usable, err = m.usage.Usage(m.root)
		if err != nil {
			return false, errors.WithStack(err)
		}
		if usable-requested > m.cfg.MinReserve {
			m.logger.Info("enough space after cleanup")
			return true, nil
		}
		m.logger.Info("not enough space after cleanup")
		return false, nil

	default:
		// request exceeds what the device can provide even at target
		// utilization
		m.logger.Info("request cannot be satisfied even after cleanup",
			zap.String("requested", humanize.IBytes(uint64(requested))),
			zap.String("usable", humanize.IBytes(uint64(usable))),
			zap.String("total", humanize.IBytes(uint64(total))))
		return false, nil
	}
}

// ScheduleCleanup starts a cleanup pass in the background. If one is
// already running the call is dropped as redundant.
func (m *Manager) ScheduleCleanup(requested int64) {
	_ = m.sweeps.DoChan("sweep", func() (any, error) {
		m.runSweep(context.Background(), requested)
		return nil, nil
	})
}

// CleanupAndWait runs a cleanup pass and blocks until it finishes. If a
// pass is already in flight the call joins it instead of starting a
// second one.
func (m *Manager) CleanupAndWait(ctx context.Context, requested int64) {
	ch := m.sweeps.DoChan("sweep", func() (any, error) {
		m.runSweep(context.Background(), requested)
		return nil, nil
	})

	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// runSweep performs one eviction pass. Failures are logged, never
// propagated to the originating request.
func (m *Manager) runSweep(ctx context.Context, requested int64) {
	start := time.Now()

	total, _, err := m.usage.Usage(m.root)
	if err != nil {
		m.logger.Warn("read disk usage before cleanup", zap.Error(err))
		return
	}

	goal := requested + m.targetUsable(total)
	m.logger.Info("cache cleanup started",
		zap.String("goal_usable", humanize.IBytes(uint64(goal))))

	if err := m.sweeper.MakeSpace(ctx, m.root, goal, m.cfg.MinFileAge); err != nil {
		m.logger.Warn("cache cleanup failed", zap.Error(err))
	}

	_, usable, err := m.usage.Usage(m.root)
	if err != nil {
		m.logger.Warn("read disk usage after cleanup", zap.Error(err))
		return
	}

	m.logger.Info("cache cleanup done",
		zap.Duration("took", time.Since(start)),
		zap.String("usable", humanize.IBytes(uint64(usable))))
}
