// Package sessionstore implements SessionStore: persistent chat sessions and
// messages. CRUD shape grounded verbatim on
// original_source/capi-core/src/db/chats.rs's
// list_sessions/get_session/create_session/update_session/delete_session/
// get_messages/add_message functions.
package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/pkg/types"
)

// writeJob is one serialized mutation, run on the dedicated writer
// goroutine so append_message's two-statement invariant (bump messages and
// sessions.updated_at together) never interleaves with another writer.
type writeJob struct {
	fn   func(*sql.Tx) error
	done chan error
}

// Store is the sqlite-backed SessionStore. Reads go straight to the shared
// *sql.DB; writes are funneled through a single goroutine, scaled up from
// the teacher's single-mutex serialization in manager.Manager because a
// session append spans two tables atomically.
type Store struct {
	db     *sql.DB
	log    zerolog.Logger
	writes chan writeJob
	done   chan struct{}
}

// New starts a Store's writer goroutine over an already-opened *sql.DB (see
// internal/store.Open). Call Close to stop the writer goroutine.
func New(db *sql.DB, log zerolog.Logger) *Store {
	s := &Store{
		db:     db,
		log:    log,
		writes: make(chan writeJob),
		done:   make(chan struct{}),
	}
	go s.runWriter()
	return s
}

// Close stops the writer goroutine. The underlying *sql.DB is owned by the
// caller and is not closed here.
func (s *Store) Close() {
	close(s.done)
}

func (s *Store) runWriter() {
	for {
		select {
		case job := <-s.writes:
			job.done <- s.runTx(job.fn)
		case <-s.done:
			return
		}
	}
}

func (s *Store) runTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// write submits fn to the writer goroutine and blocks for its result,
// respecting ctx cancellation.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	job := writeJob{fn: fn, done: make(chan error, 1)}
	select {
	case s.writes <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("sessionstore closed")
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]types.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, model_id, title, created_at, updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.session_id = sessions.id)
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.ChatSession
	for rows.Next() {
		var cs types.ChatSession
		var modelID, title sql.NullString
		var created, updated int64
		if err := rows.Scan(&cs.ID, &modelID, &title, &created, &updated, &cs.MessageCount); err != nil {
			return nil, err
		}
		cs.ModelID = modelID.String
		cs.Title = title.String
		cs.CreatedAt = time.Unix(created, 0).UTC()
		cs.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, cs)
	}
	return out, rows.Err()
}

// GetSession returns the session for id.
func (s *Store) GetSession(ctx context.Context, id string) (types.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, model_id, title, created_at, updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.session_id = sessions.id)
		FROM sessions WHERE id = ?`, id)

	var cs types.ChatSession
	var modelID, title sql.NullString
	var created, updated int64
	err := row.Scan(&cs.ID, &modelID, &title, &created, &updated, &cs.MessageCount)
	if err == sql.ErrNoRows {
		return types.ChatSession{}, core.InvalidRequestError{Reason: fmt.Sprintf("session not found: %s", id)}
	}
	if err != nil {
		return types.ChatSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	cs.ModelID = modelID.String
	cs.Title = title.String
	cs.CreatedAt = time.Unix(created, 0).UTC()
	cs.UpdatedAt = time.Unix(updated, 0).UTC()
	return cs, nil
}

// CreateSession inserts a new chat session and returns its generated id.
func (s *Store) CreateSession(ctx context.Context, modelID, title string) (types.ChatSession, error) {
	id := uuid.NewString()
	// Timestamps are stored as Unix seconds; the returned session carries
	// the same second-resolution values a later GetSession reads back.
	now := time.Now().UTC().Truncate(time.Second)

	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO sessions (id, model_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`, id, modelID, title, now.Unix(), now.Unix())
		return err
	})
	if err != nil {
		return types.ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return types.ChatSession{ID: id, ModelID: modelID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// UpdateSession updates a session's title and/or model id.
func (s *Store) UpdateSession(ctx context.Context, id, modelID, title string) error {
	now := time.Now().UTC()
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sessions SET model_id = ?, title = ?, updated_at = ? WHERE id = ?`,
			modelID, title, now.Unix(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.InvalidRequestError{Reason: fmt.Sprintf("session not found: %s", id)}
		}
		return nil
	})
}

// DeleteSession removes a session and all of its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.InvalidRequestError{Reason: fmt.Sprintf("session not found: %s", id)}
		}
		return nil
	})
}

// GetMessages returns all messages for session id, oldest first.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, sequence, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var created int64
		var role string
		if err := rows.Scan(&m.SessionID, &m.Sequence, &role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.Role = types.Role(role)
		m.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage inserts the next message in a session and bumps the
// session's updated_at, atomically. The multi-statement invariant this
// protects: messages and sessions.updated_at must never be observed out of
// sync by a concurrent reader.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role types.Role, content string) (types.ChatMessage, error) {
	now := time.Now().UTC()
	var msg types.ChatMessage

	err := s.write(ctx, func(tx *sql.Tx) error {
		var next int64
		row := tx.QueryRow(`SELECT COALESCE(MAX(sequence), -1) + 1 FROM messages WHERE session_id = ?`, sessionID)
		if err := row.Scan(&next); err != nil {
			return err
		}

		if _, err := tx.Exec(`INSERT INTO messages (session_id, sequence, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`, sessionID, next, string(role), content, now.Unix()); err != nil {
			return err
		}

		res, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now.Unix(), sessionID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.InvalidRequestError{Reason: fmt.Sprintf("session not found: %s", sessionID)}
		}

		msg = types.ChatMessage{SessionID: sessionID, Sequence: next, Role: role, Content: content, CreatedAt: now}
		return nil
	})
	if err != nil {
		return types.ChatMessage{}, err
	}
	return msg, nil
}
