package diskcleanup

import (
	"syscall"

	errors "github.com/Laisky/errors/v2"
)

// Usage reports disk capacity for the filesystem holding a path. Values
// are point-in-time snapshots; callers must not assume they stay valid.
type Usage interface {
	Usage(path string) (total, usable int64, err error)
}

var _ Usage = StatfsUsage{}

// StatfsUsage reads capacity from the operating system.
type StatfsUsage struct{}

// Usage returns total and usable bytes for the filesystem holding path.
func (StatfsUsage) Usage(path string) (total, usable int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, errors.Wrapf(err, "statfs %s", path)
	}

	total = int64(stat.Blocks) * int64(stat.Bsize)
	usable = int64(stat.Bavail) * int64(stat.Bsize)

	return total, usable, nil
}
