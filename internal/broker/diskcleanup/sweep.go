package diskcleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
)

var _ Sweeper = new(DirSweeper)

// DirSweeper evicts least-recently-used regular files from a directory
// tree until the filesystem reaches a usable-space goal.
type DirSweeper struct {
	usage  Usage
	logger logSDK.Logger
}

// NewDirSweeper creates a sweeper reading capacity from usage.
func NewDirSweeper(usage Usage, logger logSDK.Logger) *DirSweeper {
	return &DirSweeper{usage: usage, logger: logger}
}

type victim struct {
	path    string
	size    int64
	modTime time.Time
}

// MakeSpace deletes eligible files oldest-first until usable space under
// root reaches goalUsable. Files younger than minAge are never evicted,
// so the goal may stay unreached; that is reported as success since the
// caller re-checks capacity itself.
func (s *DirSweeper) MakeSpace(ctx context.Context, root string, goalUsable int64, minAge time.Duration) error {
	_, usable, err := s.usage.Usage(root)
	if err != nil {
		return errors.WithStack(err)
	}
	if usable >= goalUsable {
		return nil
	}

	var victims []victim
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		victims = append(victims, victim{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "scan cache dir %s", root)
	}

	// least recently used first
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].modTime.Before(victims[j].modTime)
	})

	now := time.Now()
	freed := int64(0)
	for _, v := range victims {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "sweep interrupted")
		}
		if usable+freed >= goalUsable {
			break
		}
		if now.Sub(v.modTime) < minAge {
			// victims are sorted oldest first, every remaining file is
			// younger still
			break
		}

		if err := os.Remove(v.path); err != nil {
			s.logger.Warn("evict cache file", zap.Error(err), zap.String("path", v.path))
			continue
		}
		freed += v.size
		s.logger.Debug("evicted cache file",
			zap.String("path", v.path), zap.Int64("size", v.size))
	}

	return nil
}
