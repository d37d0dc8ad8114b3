package catalog

import "time"

// SessionEntry is one row of a session listing. Folder header
// pseudo-entries carry an empty UUID.
type SessionEntry struct {
	Name string
	UUID string
}

// UserUsage sums stored bytes per user.
type UserUsage struct {
	Username string
	Bytes    int64
}

// SessionUsage sums stored bytes per session.
type SessionUsage struct {
	Username     string
	Session      string
	Bytes        int64
	LastAccessed time.Time
}
