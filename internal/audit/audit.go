// Package audit records session lifecycle metadata (start and end
// events, never instruction content) to a local SQLite database.
// This is a standalone observer; the proxy core has no dependency on
// it and keeps running if it's absent.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"

	"github.com/outpost-guac/guacbridge/internal/guacamole"
)

// Event represents one row of the session audit log.
type Event struct {
	bun.BaseModel `bun:"table:session_events"`

	ID         int64     `bun:"id,pk,autoincrement"`
	SessionID  string    `bun:"session_id,notnull"`
	Protocol   string    `bun:"protocol"`
	Phase      string    `bun:"phase,notnull"` // "started" or "ended"
	ErrorKind  string    `bun:"error_kind"`
	ErrorMsg   string    `bun:"error_message"`
	OccurredAt time.Time `bun:"occurred_at,nullzero,notnull,default:current_timestamp"`
}

// Store wraps a bun.DB backed by SQLite.
type Store struct {
	db *bun.DB
}

// Open opens (creating if needed) the SQLite audit database at path
// and ensures its schema exists.
func Open(path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := sqldb.Exec("PRAGMA journal_mode = WAL"); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())

	if _, err := db.NewCreateTable().Model((*Event)(nil)).IfNotExists().Exec(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session_events table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionStarted implements guacamole.SessionObserver.
func (s *Store) SessionStarted(sessionID string, protocol guacamole.Protocol) {
	event := Event{SessionID: sessionID, Protocol: string(protocol), Phase: "started"}
	s.db.NewInsert().Model(&event).Exec(context.Background())
}

// SessionEnded implements guacamole.SessionObserver.
func (s *Store) SessionEnded(sessionID string, sessionErr error) {
	event := Event{SessionID: sessionID, Phase: "ended"}
	if f, ok := sessionErr.(*guacamole.Failure); ok {
		event.ErrorKind = string(f.Kind)
		event.ErrorMsg = f.Message
	} else if sessionErr != nil {
		event.ErrorMsg = sessionErr.Error()
	}
	s.db.NewInsert().Model(&event).Exec(context.Background())
}

// RecentEvents returns the most recent audit events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := s.db.NewSelect().Model(&events).
		OrderExpr("occurred_at DESC").
		Limit(limit).
		Scan(context.Background())
	return events, err
}
