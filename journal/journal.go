// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/lib/sqlitepool"
)

// Schema creates the events table. Apply after the sessions table —
// the foreign key ties event retention to session retention, so a
// purged session drops its events in the same statement.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT    NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	type       TEXT    NOT NULL,
	payload    BLOB,
	compressed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
) WITHOUT ROWID;
`

// EnsureSchema applies the journal schema on a connection. Intended
// for the pool's OnConnect hook.
func EnsureSchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, Schema, nil)
}

// Event is one journaled protocol message.
type Event struct {
	SessionID string
	// Seq is strictly increasing within a session, assigned at
	// append time, never reused.
	Seq       uint64
	Type      string
	Payload   codec.RawMessage
	Timestamp time.Time
}

// Config holds the parameters for opening a Journal.
type Config struct {
	// Pool is the shared database pool. Required.
	Pool *sqlitepool.Pool

	// Clock supplies event timestamps. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// CompressThreshold is the payload size in bytes above which
	// payloads are stored zstd-compressed. Zero means 4096; negative
	// disables compression.
	CompressThreshold int
}

// Journal is the durable per-session event log. Safe for concurrent
// use; appends to the same session are serialized, appends to
// different sessions only contend on SQLite's write lock.
type Journal struct {
	pool              *sqlitepool.Pool
	clock             clock.Clock
	logger            *slog.Logger
	compressThreshold int

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// mu guards locks, the per-session append serialization points.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Journal over the given pool.
func New(cfg Config) (*Journal, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("journal: Pool is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	threshold := cfg.CompressThreshold
	if threshold == 0 {
		threshold = 4096
	}

	// Writer/reader in EncodeAll/DecodeAll mode; both are safe for
	// concurrent use.
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("journal: creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("journal: creating zstd decoder: %w", err)
	}

	return &Journal{
		pool:              cfg.Pool,
		clock:             clk,
		logger:            logger,
		compressThreshold: threshold,
		encoder:           encoder,
		decoder:           decoder,
		locks:             make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the append serialization mutex for a session.
func (j *Journal) lockFor(sessionID string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	lock, ok := j.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		j.locks[sessionID] = lock
	}
	return lock
}

// Append assigns the next sequence number for the session and
// persists the event, returning the assigned seq once the write is
// durable. Appends to the same session never race: the seq is
// computed and the row inserted inside one immediate transaction,
// under a per-session mutex.
func (j *Journal) Append(ctx context.Context, sessionID, eventType string, payload codec.RawMessage) (uint64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("journal: session id is required")
	}
	if eventType == "" {
		return 0, fmt.Errorf("journal: event type is required")
	}

	lock := j.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	stored := []byte(payload)
	compressed := false
	if j.compressThreshold > 0 && len(payload) > j.compressThreshold {
		stored = j.encoder.EncodeAll(payload, nil)
		compressed = true
	}

	conn, err := j.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal: append: %w", err)
	}
	defer j.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("journal: begin append transaction: %w", err)
	}

	var seq uint64
	err = func() error {
		err := sqlitex.Execute(conn, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					seq = uint64(stmt.ColumnInt64(0))
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("assigning seq: %w", err)
		}

		err = sqlitex.Execute(conn, `
			INSERT INTO events (session_id, seq, type, payload, compressed, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					sessionID,
					int64(seq),
					eventType,
					stored,
					boolToInt(compressed),
					j.clock.Now().UnixMilli(),
				},
			})
		if err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
		return nil
	}()
	endTx(&err)
	if err != nil {
		return 0, fmt.Errorf("journal: append to %s: %w", sessionID, err)
	}

	return seq, nil
}

// ReadFrom invokes fn for every event of the session with seq greater
// than afterSeq, in ascending seq order. Iteration stops at the first
// fn error, which is returned.
func (j *Journal) ReadFrom(ctx context.Context, sessionID string, afterSeq uint64, fn func(Event) error) error {
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("journal: read: %w", err)
	}
	defer j.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		SELECT seq, type, payload, compressed, created_at
		FROM events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, int64(afterSeq)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, payload)

				if stmt.ColumnInt(3) != 0 {
					decompressed, err := j.decoder.DecodeAll(payload, nil)
					if err != nil {
						return fmt.Errorf("decompressing seq %d: %w", stmt.ColumnInt64(0), err)
					}
					payload = decompressed
				}

				return fn(Event{
					SessionID: sessionID,
					Seq:       uint64(stmt.ColumnInt64(0)),
					Type:      stmt.ColumnText(1),
					Payload:   payload,
					Timestamp: time.UnixMilli(stmt.ColumnInt64(4)).UTC(),
				})
			},
		})
	if err != nil {
		return fmt.Errorf("journal: reading %s after seq %d: %w", sessionID, afterSeq, err)
	}
	return nil
}

// History collects the events with seq greater than afterSeq into a
// slice. Convenience wrapper over ReadFrom for response payloads.
func (j *Journal) History(ctx context.Context, sessionID string, afterSeq uint64) ([]Event, error) {
	var events []Event
	err := j.ReadFrom(ctx, sessionID, afterSeq, func(event Event) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// LatestSeq returns the highest assigned seq for the session, zero if
// the session has no events.
func (j *Journal) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal: latest seq: %w", err)
	}
	defer j.pool.Put(conn)

	var latest uint64
	err = sqlitex.Execute(conn, `
		SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				latest = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("journal: latest seq for %s: %w", sessionID, err)
	}
	return latest, nil
}

// Forget drops the append serialization state for a session. Called
// after a session is purged; harmless if events still exist, since
// the lock is recreated on demand.
func (j *Journal) Forget(sessionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.locks, sessionID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
