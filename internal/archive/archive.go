// Package archive persists conversation history beyond the life of a
// session.
//
// An [Archiver] copies each live session's conversation to a [Store] on a
// fixed interval and once more when the session is torn down, so long
// sessions survive a crash and ended sessions stay inspectable. The store
// is wrapped in a [Guard]: archive failures are logged and never affect the
// session itself.
package archive

import (
	"context"
	"time"
)

// Record is one archived conversation entry. Seq is the entry's position in
// the session's conversation, starting at 0 for the system prompt.
type Record struct {
	SessionID string    `json:"sessionId"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary describes a finished session.
type Summary struct {
	SessionID string
	AgentID   string
	Mode      string
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	Entries   int
}

// Store is the persistence backend.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteEntries appends records. Records whose (SessionID, Seq) already
	// exist are ignored, so a retried flush never duplicates entries.
	WriteEntries(ctx context.Context, records []Record) error

	// EndSession stores the summary of a finished session.
	EndSession(ctx context.Context, s Summary) error

	// History returns the archived records of a session, oldest first. A
	// positive limit keeps only the most recent limit records.
	History(ctx context.Context, sessionID string, limit int) ([]Record, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
