package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
)

const (
	// BackupPrefix names the per-backup directories under the backup root.
	BackupPrefix = "filebroker-metadata-db-backup-"
	// backupTimestampLayout sorts lexicographically in time order.
	backupTimestampLayout = "2006-01-02_15.04.05"
	// backupSnapshotFile is the snapshot filename inside each backup dir.
	backupSnapshotFile = "metadata.db"
)

// Backup writes an online snapshot of the catalog into destDir. Reads
// stay available while the snapshot runs; writes are blocked.
func (c *Catalog) Backup(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return errors.Wrapf(err, "create backup dir %s", destDir)
	}

	dest := filepath.Join(destDir, backupSnapshotFile)
	if _, err := c.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return errors.Wrapf(err, "snapshot catalog into %s", dest)
	}

	return nil
}

// BackupRunner periodically snapshots the catalog at a fixed time of day
// and prunes old backups beyond the keep count.
type BackupRunner struct {
	catalog *Catalog
	baseDir string
	// timeOfDay is the daily trigger in "15:04" form.
	timeOfDay string
	keepCount int
	logger    logSDK.Logger
	clock     Clock
}

// NewBackupRunner configures periodic backups under baseDir. A negative
// keepCount disables pruning.
func NewBackupRunner(c *Catalog, baseDir, timeOfDay string, keepCount int) (*BackupRunner, error) {
	if c == nil {
		return nil, errors.New("catalog is required")
	}
	if _, err := time.Parse("15:04", timeOfDay); err != nil {
		return nil, errors.Wrapf(err, "invalid backup time %q", timeOfDay)
	}

	return &BackupRunner{
		catalog:   c,
		baseDir:   baseDir,
		timeOfDay: timeOfDay,
		keepCount: keepCount,
		logger:    c.logger.Named("backup"),
		clock:     c.clock,
	}, nil
}

// Run blocks until the context is done, firing one backup per day at the
// configured time. Backup failures are logged and the schedule keeps going.
func (r *BackupRunner) Run(ctx context.Context) error {
	for {
		wait := r.untilNext(r.clock())
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "backup runner stopped")
		case <-timer.C:
		}

		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("backup metadata database", zap.Error(err))
		}
	}
}

// RunOnce performs one backup plus pruning pass.
func (r *BackupRunner) RunOnce(ctx context.Context) error {
	start := r.clock()
	destDir := filepath.Join(r.baseDir, BackupPrefix+start.Format(backupTimestampLayout))

	r.logger.Info("backing up metadata database", zap.String("dest", destDir))
	if err := r.catalog.Backup(ctx, destDir); err != nil {
		return errors.WithStack(err)
	}
	r.logger.Info("metadata backup done",
		zap.Duration("took", r.clock().Sub(start)))

	if err := r.prune(); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// prune deletes the oldest backups until at most keepCount remain.
// Directory names embed a sortable timestamp, so lexicographic order is
// time order.
func (r *BackupRunner) prune() error {
	if r.keepCount < 0 {
		return nil
	}

	dirEntries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return errors.Wrapf(err, "read backup dir %s", r.baseDir)
	}

	var backups []string
	for _, entry := range dirEntries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), BackupPrefix) {
			backups = append(backups, entry.Name())
		}
	}
	sort.Strings(backups)

	for len(backups) > r.keepCount {
		oldest := backups[0]
		backups = backups[1:]

		r.logger.Info("deleting old metadata backup", zap.String("backup", oldest))
		if err := os.RemoveAll(filepath.Join(r.baseDir, oldest)); err != nil {
			return errors.Wrapf(err, "delete old backup %s", oldest)
		}
	}

	return nil
}

func (r *BackupRunner) untilNext(now time.Time) time.Duration {
	trigger, _ := time.Parse("15:04", r.timeOfDay)
	next := time.Date(now.Year(), now.Month(), now.Day(),
		trigger.Hour(), trigger.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next.Sub(now)
}
