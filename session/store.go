// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/outpost-foundation/outpost/lib/sqlitepool"
)

// Schema creates the sessions table. Apply before the journal schema,
// which declares a foreign key into it.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	status              TEXT NOT NULL,
	mode                TEXT NOT NULL,
	repo_id             TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	first_user_message  TEXT NOT NULL DEFAULT '',
	model               TEXT NOT NULL DEFAULT '',
	sandbox_provider    TEXT NOT NULL DEFAULT '',
	sandbox_provider_id TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
`

// EnsureSchema applies the sessions schema on a connection. Intended
// for the pool's OnConnect hook.
func EnsureSchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, Schema, nil)
}

const sessionColumns = `id, status, mode, repo_id, name, first_user_message,
	model, sandbox_provider, sandbox_provider_id, created_at, updated_at`

// store persists session rows. All methods are plain row operations;
// serialization and state-machine rules live in Registry.
type store struct {
	pool *sqlitepool.Pool
}

func scanSession(stmt *sqlite.Stmt) *Session {
	return &Session{
		ID:                stmt.ColumnText(0),
		Status:            Status(stmt.ColumnText(1)),
		Mode:              stmt.ColumnText(2),
		RepoID:            stmt.ColumnText(3),
		Name:              stmt.ColumnText(4),
		FirstUserMessage:  stmt.ColumnText(5),
		Model:             stmt.ColumnText(6),
		SandboxProvider:   stmt.ColumnText(7),
		SandboxProviderID: stmt.ColumnText(8),
		CreatedAt:         time.UnixMilli(stmt.ColumnInt64(9)).UTC(),
		UpdatedAt:         time.UnixMilli(stmt.ColumnInt64(10)).UTC(),
	}
}

func (s *store) insert(ctx context.Context, session *Session) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				session.ID,
				string(session.Status),
				session.Mode,
				session.RepoID,
				session.Name,
				session.FirstUserMessage,
				session.Model,
				session.SandboxProvider,
				session.SandboxProviderID,
				session.CreatedAt.UnixMilli(),
				session.UpdatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("session: inserting %s: %w", session.ID, err)
	}
	return nil
}

func (s *store) get(ctx context.Context, id string) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	defer s.pool.Put(conn)

	var session *Session
	err = sqlitex.Execute(conn, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = scanSession(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: getting %s: %w", id, err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (s *store) list(ctx context.Context, includeDeleted bool) ([]*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if !includeDeleted {
		query += ` WHERE status != '` + string(StatusDeleted) + `'`
	}
	query += ` ORDER BY created_at DESC, id`

	var sessions []*Session
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sessions = append(sessions, scanSession(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: listing: %w", err)
	}
	return sessions, nil
}

// save writes every mutable column of the row. Callers hold the
// per-session lock, so read-modify-write is safe.
func (s *store) save(ctx context.Context, session *Session) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE sessions SET
			status = ?, mode = ?, repo_id = ?, name = ?,
			first_user_message = ?, model = ?,
			sandbox_provider = ?, sandbox_provider_id = ?,
			updated_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(session.Status),
				session.Mode,
				session.RepoID,
				session.Name,
				session.FirstUserMessage,
				session.Model,
				session.SandboxProvider,
				session.SandboxProviderID,
				session.UpdatedAt.UnixMilli(),
				session.ID,
			},
		})
	if err != nil {
		return fmt.Errorf("session: saving %s: %w", session.ID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	return nil
}

// purge hard-deletes the row. The events table's ON DELETE CASCADE
// drops the session's journal in the same statement.
func (s *store) purge(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session: purge: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	})
	if err != nil {
		return fmt.Errorf("session: purging %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
