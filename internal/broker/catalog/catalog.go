// Package catalog keeps track of files and sessions saved to the long term
// storage space of the file broker: which blobs exist, which sessions
// reference them, and which may be deleted once no session links remain.
package catalog

import (
	"context"
	"database/sql"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/filebroker/library/log"
)

const (
	// DefaultExampleSessionOwner owns the shared example sessions seeded
	// on first start.
	DefaultExampleSessionOwner = "example_session_owner"
	// DefaultExampleSessionFolder is the folder label shown for them.
	DefaultExampleSessionFolder = "Example sessions"
)

var createTableStmts = []struct {
	table string
	stmt  string
}{
	{
		"sessions",
		`CREATE TABLE sessions (
  uuid VARCHAR(200) PRIMARY KEY,
  name VARCHAR(200),
  username VARCHAR(200))`,
	},
	{
		"files",
		`CREATE TABLE files (
  uuid VARCHAR(200) PRIMARY KEY,
  size BIGINT,
  created TIMESTAMP,
  last_accessed TIMESTAMP)`,
	},
	{
		"belongs_to",
		`CREATE TABLE belongs_to (
  session_uuid VARCHAR(200),
  file_uuid VARCHAR(200))`,
	},
	{
		"special_users",
		`CREATE TABLE special_users (
  username VARCHAR(200) PRIMARY KEY,
  show_as_folder VARCHAR(200))`,
	},
}

// Clock returns the current time in UTC.
type Clock func() time.Time

// Catalog is the relational registry of sessions, files and their
// many-to-many membership. All mutations are plain SQL statements; the
// multi-step procedures compose them inside explicit transactions.
type Catalog struct {
	db     *sql.DB
	clock  Clock
	logger logSDK.Logger
}

// Option configures the catalog.
type Option func(*Catalog)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(c *Catalog) {
		c.clock = clock
	}
}

// WithLogger overrides the default named logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// New opens the catalog over an SQL store, creating any missing tables.
// When the special_users table is created for the first time it is seeded
// with the default example-session owner.
func New(db *sql.DB, opts ...Option) (*Catalog, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	c := &Catalog{
		db:     db,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: log.Logger.Named("catalog"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.setup(); err != nil {
		return nil, errors.Wrap(err, "setup catalog")
	}

	return c, nil
}

func (c *Catalog) setup() error {
	created := 0
	for _, t := range createTableStmts {
		var name string
		err := c.db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`,
			t.table).Scan(&name)
		switch {
		case err == nil:
			continue
		case errors.Is(err, sql.ErrNoRows):
			// table missing, create it
		default:
			return errors.Wrapf(err, "probe table %s", t.table)
		}

		if _, err := c.db.Exec(t.stmt); err != nil {
			return errors.Wrapf(err, "create table %s", t.table)
		}
		created++

		if t.table == "special_users" {
			if err := c.AddSpecialUser(context.Background(),
				DefaultExampleSessionOwner, DefaultExampleSessionFolder); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	if created > 0 {
		c.logger.Info("created missing catalog tables", zap.Int("count", created))
	}

	return nil
}

// AddFile records metadata of a newly accepted blob. The creation and
// last-access timestamps both start at now.
func (c *Catalog) AddFile(ctx context.Context, uuid string, size int64) error {
	now := c.clock()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO files (uuid, size, created, last_accessed) VALUES (?, ?, ?, ?)`,
		uuid, size, now, now)
	if err != nil {
		return errors.Wrapf(err, "insert file %s", uuid)
	}

	return nil
}

// UpsertFile records a blob, or corrects the size of an existing record
// once the true byte count is known. The creation timestamp of an
// existing record is preserved.
func (c *Catalog) UpsertFile(ctx context.Context, uuid string, size int64) error {
	now := c.clock()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO files (uuid, size, created, last_accessed) VALUES (?, ?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET size = excluded.size`,
		uuid, size, now, now)
	if err != nil {
		return errors.Wrapf(err, "upsert file %s", uuid)
	}

	return nil
}

// MarkFileAccessed touches the file. The last-access timestamp never
// moves backwards, so repeated touches are safe in any order.
func (c *Catalog) MarkFileAccessed(ctx context.Context, uuid string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE files SET last_accessed = MAX(last_accessed, ?) WHERE uuid = ?`,
		c.clock(), uuid)
	if err != nil {
		return errors.Wrapf(err, "touch file %s", uuid)
	}

	return nil
}

// RemoveFile deletes a single file record.
func (c *Catalog) RemoveFile(ctx context.Context, uuid string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE uuid = ?`, uuid)
	if err != nil {
		return errors.Wrapf(err, "delete file %s", uuid)
	}

	return nil
}

// AddSession records a saved session.
func (c *Catalog) AddSession(ctx context.Context, username, name, uuid string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO sessions (name, username, uuid) VALUES (?, ?, ?)`,
		name, username, uuid)
	if err != nil {
		return errors.Wrapf(err, "insert session %s", uuid)
	}

	return nil
}

// RenameSession updates the human readable session name.
func (c *Catalog) RenameSession(ctx context.Context, newName, uuid string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET name = ? WHERE uuid = ?`, newName, uuid)
	if err != nil {
		return errors.Wrapf(err, "rename session %s", uuid)
	}

	return nil
}

// FetchSessionID resolves a session id by owner and name. Returns an
// empty id without error when no such session exists.
func (c *Catalog) FetchSessionID(ctx context.Context, username, name string) (string, error) {
	var uuid string
	err := c.db.QueryRowContext(ctx,
		`SELECT uuid FROM sessions WHERE name = ? AND username = ?`,
		name, username).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "fetch session %s/%s", username, name)
	}

	return uuid, nil
}

// LinkFileToSession adds one membership edge between a data file and a
// session.
func (c *Catalog) LinkFileToSession(ctx context.Context, fileUUID, sessionUUID string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO belongs_to (session_uuid, file_uuid) VALUES (?, ?)`,
		sessionUUID, fileUUID)
	if err != nil {
		return errors.Wrapf(err, "link file %s to session %s", fileUUID, sessionUUID)
	}

	return nil
}

// AddSpecialUser registers an account whose sessions everyone can see.
func (c *Catalog) AddSpecialUser(ctx context.Context, username, showAsFolder string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO special_users (username, show_as_folder) VALUES (?, ?)`,
		username, showAsFolder)
	if err != nil {
		return errors.Wrapf(err, "insert special user %s", username)
	}

	return nil
}

// RemoveSpecialUser drops a special user registration. Their sessions
// stay, but are no longer visible to other users.
func (c *Catalog) RemoveSpecialUser(ctx context.Context, username string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM special_users WHERE username = ?`, username)
	if err != nil {
		return errors.Wrapf(err, "delete special user %s", username)
	}

	return nil
}

// ListSessions returns the sessions visible to the user: sessions owned
// by any special user first, grouped under their folder label with a
// folder header pseudo-entry synthesized once per distinct folder, then
// the user's own sessions unprefixed.
func (c *Catalog) ListSessions(ctx context.Context, username string) ([]SessionEntry, error) {
	entries := make([]SessionEntry, 0)

	rows, err := c.db.QueryContext(ctx,
		`SELECT sessions.name, special_users.show_as_folder, sessions.uuid
   FROM sessions JOIN special_users ON sessions.username = special_users.username
  ORDER BY special_users.show_as_folder, sessions.name`)
	if err != nil {
		return nil, errors.Wrap(err, "query special sessions")
	}
	defer func() {
		_ = rows.Close()
	}()

	seenFolders := make(map[string]bool)
	for rows.Next() {
		var name, folder, uuid string
		if err := rows.Scan(&name, &folder, &uuid); err != nil {
			return nil, errors.Wrap(err, "scan special session")
		}

		// folder not yet seen, make a header entry for it first
		if !seenFolders[folder] {
			seenFolders[folder] = true
			entries = append(entries, SessionEntry{Name: folder + "/", UUID: ""})
		}

		entries = append(entries, SessionEntry{Name: folder + "/" + name, UUID: uuid})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate special sessions")
	}

	ownRows, err := c.db.QueryContext(ctx,
		`SELECT name, uuid FROM sessions WHERE username = ? ORDER BY name`, username)
	if err != nil {
		return nil, errors.Wrap(err, "query own sessions")
	}
	defer func() {
		_ = ownRows.Close()
	}()

	for ownRows.Next() {
		var name, uuid string
		if err := ownRows.Scan(&name, &uuid); err != nil {
			return nil, errors.Wrap(err, "scan own session")
		}
		entries = append(entries, SessionEntry{Name: name, UUID: uuid})
	}
	if err := ownRows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate own sessions")
	}

	return entries, nil
}

// RemoveSession deletes the session, its membership links, its own
// manifest file record and every file record left without any other
// linking session. The whole procedure runs in one transaction, and the
// session row goes first so a failure cannot leave a session pointing at
// half-deleted state. Returns the removed file ids so the caller can
// delete the underlying bytes.
func (c *Catalog) RemoveSession(ctx context.Context, uuid string) (removed []string, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin remove session")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				c.logger.Error("rollback remove session",
					zap.Error(rbErr), zap.String("session", uuid))
			}
		}
	}()

	// find the files that will be orphaned; must run before the
	// belongs_to rows disappear
	orphanRows, err := tx.QueryContext(ctx,
		`SELECT uuid FROM files
  WHERE uuid IN (SELECT file_uuid FROM belongs_to WHERE session_uuid = ?)
    AND uuid NOT IN (SELECT file_uuid FROM belongs_to WHERE NOT session_uuid = ?)`,
		uuid, uuid)
	if err != nil {
		return nil, errors.Wrap(err, "query orphan files")
	}

	var orphans []string
	for orphanRows.Next() {
		var orphan string
		if err = orphanRows.Scan(&orphan); err != nil {
			_ = orphanRows.Close()
			return nil, errors.Wrap(err, "scan orphan file")
		}
		orphans = append(orphans, orphan)
	}
	if err = orphanRows.Err(); err != nil {
		_ = orphanRows.Close()
		return nil, errors.Wrap(err, "iterate orphan files")
	}
	if err = orphanRows.Close(); err != nil {
		return nil, errors.Wrap(err, "close orphan rows")
	}

	// the session entry point is removed first
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE uuid = ?`, uuid); err != nil {
		return nil, errors.Wrapf(err, "delete session %s", uuid)
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM belongs_to WHERE session_uuid = ?`, uuid); err != nil {
		return nil, errors.Wrapf(err, "delete session links %s", uuid)
	}

	// the session's own manifest file shares the session uuid
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM files WHERE uuid = ?`, uuid); err != nil {
		return nil, errors.Wrapf(err, "delete manifest file %s", uuid)
	}
	removed = append(removed, uuid)

	for _, orphan := range orphans {
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM files WHERE uuid = ?`, orphan); err != nil {
			return nil, errors.Wrapf(err, "delete orphan file %s", orphan)
		}
		removed = append(removed, orphan)
	}

	if err = tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit remove session")
	}

	return removed, nil
}

// StorageUsageByUser sums stored bytes per user over session-linked files.
func (c *Catalog) StorageUsageByUser(ctx context.Context) ([]UserUsage, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT sessions.username, SUM(files.size) AS size
   FROM sessions
   JOIN belongs_to ON sessions.uuid = belongs_to.session_uuid
   JOIN files ON files.uuid = belongs_to.file_uuid
  GROUP BY sessions.username`)
	if err != nil {
		return nil, errors.Wrap(err, "query user usage")
	}
	defer func() {
		_ = rows.Close()
	}()

	var usages []UserUsage
	for rows.Next() {
		var u UserUsage
		if err := rows.Scan(&u.Username, &u.Bytes); err != nil {
			return nil, errors.Wrap(err, "scan user usage")
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate user usage")
	}

	return usages, nil
}

// StorageUsageBySession sums stored bytes and the newest access time per
// session of one user.
func (c *Catalog) StorageUsageBySession(ctx context.Context, username string) ([]SessionUsage, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT sessions.username, sessions.name, SUM(files.size) AS size,
        MAX(files.last_accessed) AS last_accessed
   FROM sessions
   JOIN belongs_to ON sessions.uuid = belongs_to.session_uuid
   JOIN files ON files.uuid = belongs_to.file_uuid
  WHERE sessions.username = ?
  GROUP BY sessions.uuid, sessions.name, sessions.username`,
		username)
	if err != nil {
		return nil, errors.Wrap(err, "query session usage")
	}
	defer func() {
		_ = rows.Close()
	}()

	var usages []SessionUsage
	for rows.Next() {
		var u SessionUsage
		// aggregate columns lose their declared type, so the driver hands
		// the timestamp back as text
		var lastAccessed string
		if err := rows.Scan(&u.Username, &u.Session, &u.Bytes, &lastAccessed); err != nil {
			return nil, errors.Wrap(err, "scan session usage")
		}
		if u.LastAccessed, err = parseTimestamp(lastAccessed); err != nil {
			return nil, errors.WithStack(err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate session usage")
	}

	return usages, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07:00",
	time.RFC3339Nano,
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}

	return time.Time{}, errors.Errorf("unrecognized timestamp: %s", raw)
}

// TotalStorageUsage sums all stored bytes.
func (c *Catalog) TotalStorageUsage(ctx context.Context) (int64, error) {
	var size sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT SUM(files.size) AS size FROM files`).Scan(&size)
	if err != nil {
		return 0, errors.Wrap(err, "query total usage")
	}

	return size.Int64, nil
}
