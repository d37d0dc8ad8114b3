package catalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// newTestCatalog opens a fresh file-backed catalog whose clock the test
// controls through the returned pointer.
func newTestCatalog(t *testing.T) (*Catalog, *time.Time) {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, err := New(db, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	return c, &now
}

func TestSetupIsIdempotent(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	_, err = New(db)
	require.NoError(t, err)

	// a second catalog over the same store must not recreate tables or
	// reseed the example-session owner
	_, err = New(db)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM special_users WHERE username = ?`,
		DefaultExampleSessionOwner).Scan(&count))
	require.Equal(t, 1, count)
}

func TestUpsertFileCorrectsSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, now := newTestCatalog(t)

	require.NoError(t, c.UpsertFile(ctx, "f1", 100))

	// re-recording with the true size keeps the original creation time
	*now = now.Add(time.Hour)
	require.NoError(t, c.UpsertFile(ctx, "f1", 42))

	var size int64
	var created time.Time
	require.NoError(t, c.db.QueryRow(
		`SELECT size, created FROM files WHERE uuid = 'f1'`).Scan(&size, &created))
	require.EqualValues(t, 42, size)
	require.True(t, created.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		"got %s", created)

	var count int
	require.NoError(t, c.db.QueryRow(
		`SELECT COUNT(*) FROM files`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestMarkFileAccessedIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, now := newTestCatalog(t)

	require.NoError(t, c.AddFile(ctx, "f1", 100))

	later := now.Add(time.Hour)
	*now = later
	require.NoError(t, c.MarkFileAccessed(ctx, "f1"))

	// a touch with an older clock must not move the timestamp backwards
	*now = later.Add(-2 * time.Hour)
	require.NoError(t, c.MarkFileAccessed(ctx, "f1"))

	var lastAccessed time.Time
	require.NoError(t, c.db.QueryRow(
		`SELECT last_accessed FROM files WHERE uuid = 'f1'`).Scan(&lastAccessed))
	require.True(t, lastAccessed.Equal(later), "got %s, want %s", lastAccessed, later)
}

func TestFetchSessionID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCatalog(t)

	id, err := c.FetchSessionID(ctx, "alice", "missing")
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, c.AddSession(ctx, "alice", "work", "s1"))

	id, err = c.FetchSessionID(ctx, "alice", "work")
	require.NoError(t, err)
	require.Equal(t, "s1", id)

	// other users cannot resolve it
	id, err = c.FetchSessionID(ctx, "bob", "work")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestRenameSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCatalog(t)

	require.NoError(t, c.AddSession(ctx, "alice", "old", "s1"))
	require.NoError(t, c.RenameSession(ctx, "new", "s1"))

	id, err := c.FetchSessionID(ctx, "alice", "new")
	require.NoError(t, err)
	require.Equal(t, "s1", id)
}

func TestListSessionsFolderHeaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCatalog(t)

	require.NoError(t, c.AddSession(ctx, DefaultExampleSessionOwner, "demo-b", "e2"))
	require.NoError(t, c.AddSession(ctx, DefaultExampleSessionOwner, "demo-a", "e1"))
	require.NoError(t, c.AddSession(ctx, "alice", "my work", "s1"))
	require.NoError(t, c.AddSession(ctx, "bob", "private", "s2"))

	entries, err := c.ListSessions(ctx, "alice")
	require.NoError(t, err)

	require.Equal(t, []SessionEntry{
		{Name: DefaultExampleSessionFolder + "/", UUID: ""},
		{Name: DefaultExampleSessionFolder + "/demo-a", UUID: "e1"},
		{Name: DefaultExampleSessionFolder + "/demo-b", UUID: "e2"},
		{Name: "my work", UUID: "s1"},
	}, entries)
}

func TestListSessionsAfterSpecialUserRemoved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCatalog(t)

	require.NoError(t, c.AddSession(ctx, DefaultExampleSessionOwner, "demo", "e1"))
	require.NoError(t, c.RemoveSpecialUser(ctx, DefaultExampleSessionOwner))

	entries, err := c.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRemoveSessionKeepsSharedFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCatalog(t)

	// session a: manifest a, files shared + onlyA
	// session b: manifest b, file shared
	require.NoError(t, c.AddSession(ctx, "alice", "a", "a"))
	require.NoError(t, c.AddSession(ctx, "alice", "b", "b"))
	for uuid, size := range map[string]int64{"a": 10, "b": 20, "shared": 100, "onlyA": 50} {
		require.NoError(t, c.AddFile(ctx, uuid, size))
	}
	require.NoError(t, c.LinkFileToSession(ctx, "shared", "a"))
	require.NoError(t, c.LinkFileToSession(ctx, "onlyA", "a"))
	require.NoError(t, c.LinkFileToSession(ctx, "shared", "b"))

	removed, err := c.RemoveSession(ctx, "a")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "onlyA"}, removed)

	// the shared file survives because b still links it
	var count int
	require.NoError(t, c.db.QueryRow(
		`SELECT COUNT(*) FROM files WHERE uuid = 'shared'`).Scan(&count))
	require.Equal(t, 1, count)

	// session b is untouched
	id, err := c.FetchSessionID(ctx, "alice", "b")
	require.NoError(t, err)
	require.Equal(t, "b", id)

	// no dangling membership rows remain for a
	require.NoError(t, c.db.QueryRow(
		`SELECT COUNT(*) FROM belongs_to WHERE session_uuid = 'a'`).Scan(&count))
	require.Zero(t, count)
}

func TestRemoveSessionOrphansFollowLastLink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _ := newTestCatalog(t)

	require.NoError(t, c.AddSession(ctx, "alice", "a", "a"))
	require.NoError(t, c.AddSession(ctx, "alice", "b", "b"))
	for _, uuid := range []string{"a", "b", "shared"} {
		require.NoError(t, c.AddFile(ctx, uuid, 1))
	}
	require.NoError(t, c.LinkFileToSession(ctx, "shared", "a"))
	require.NoError(t, c.LinkFileToSession(ctx, "shared", "b"))

	_, err := c.RemoveSession(ctx, "a")
	require.NoError(t, err)

	// removing the last linking session finally orphans the shared file
	removed, err := c.RemoveSession(ctx, "b")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "shared"}, removed)

	var count int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&count))
	require.Zero(t, count)
}

func TestStorageUsage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, now := newTestCatalog(t)

	require.NoError(t, c.AddSession(ctx, "alice", "work", "s1"))
	require.NoError(t, c.AddSession(ctx, "bob", "stuff", "s2"))
	require.NoError(t, c.AddFile(ctx, "f1", 100))
	require.NoError(t, c.AddFile(ctx, "f2", 200))
	require.NoError(t, c.AddFile(ctx, "f3", 1000))
	require.NoError(t, c.LinkFileToSession(ctx, "f1", "s1"))
	require.NoError(t, c.LinkFileToSession(ctx, "f2", "s1"))
	require.NoError(t, c.LinkFileToSession(ctx, "f3", "s2"))

	total, err := c.TotalStorageUsage(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1300, total)

	byUser, err := c.StorageUsageByUser(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []UserUsage{
		{Username: "alice", Bytes: 300},
		{Username: "bob", Bytes: 1000},
	}, byUser)

	bySession, err := c.StorageUsageBySession(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	require.Equal(t, "work", bySession[0].Session)
	require.EqualValues(t, 300, bySession[0].Bytes)
	require.True(t, bySession[0].LastAccessed.Equal(*now),
		"got %s, want %s", bySession[0].LastAccessed, *now)
}

func TestTotalStorageUsageEmpty(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t)

	total, err := c.TotalStorageUsage(context.Background())
	require.NoError(t, err)
	require.Zero(t, total)
}
