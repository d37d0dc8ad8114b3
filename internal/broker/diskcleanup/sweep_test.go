package diskcleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/filebroker/library/log"
)

func writeAgedFile(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestMakeSpaceEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	oldest := writeAgedFile(t, root, "oldest", 100, 3*time.Hour)
	middle := writeAgedFile(t, root, "middle", 100, 2*time.Hour)
	newest := writeAgedFile(t, root, "newest", 100, time.Hour)

	// 150 bytes short of the goal: the two oldest must go
	s := NewDirSweeper(&fakeUsage{total: 1000, usable: 100}, log.Logger)
	require.NoError(t, s.MakeSpace(context.Background(), root, 250, 0))

	require.NoFileExists(t, oldest)
	require.NoFileExists(t, middle)
	require.FileExists(t, newest)
}

func TestMakeSpaceRespectsMinAge(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	old := writeAgedFile(t, root, "old", 100, 2*time.Hour)
	young := writeAgedFile(t, root, "young", 100, time.Minute)

	s := NewDirSweeper(&fakeUsage{total: 1000, usable: 0}, log.Logger)
	require.NoError(t, s.MakeSpace(context.Background(), root, 1000, time.Hour))

	// the young file is protected even though the goal was not reached
	require.NoFileExists(t, old)
	require.FileExists(t, young)
}

func TestMakeSpaceNoopWhenGoalMet(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	kept := writeAgedFile(t, root, "kept", 100, time.Hour)

	s := NewDirSweeper(&fakeUsage{total: 1000, usable: 900}, log.Logger)
	require.NoError(t, s.MakeSpace(context.Background(), root, 500, 0))

	require.FileExists(t, kept)
}

func TestMakeSpaceWalksSubdirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o750))
	nested := writeAgedFile(t, filepath.Join(root, "a", "b"), "nested", 100, time.Hour)

	s := NewDirSweeper(&fakeUsage{total: 1000, usable: 0}, log.Logger)
	require.NoError(t, s.MakeSpace(context.Background(), root, 50, 0))

	require.NoFileExists(t, nested)
}

func TestMakeSpaceCancelled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeAgedFile(t, root, "f", 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewDirSweeper(&fakeUsage{total: 1000, usable: 0}, log.Logger)
	require.Error(t, s.MakeSpace(ctx, root, 1000, 0))
}
