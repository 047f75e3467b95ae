// Copyright 2025 The Corral Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    title TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    kind VARCHAR(50) NOT NULL,
    status_kind VARCHAR(50),
    content TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session_id ON session_messages(session_id);
`

// SQLService is a SQLite-backed session store.
type SQLService struct {
	db *sql.DB
}

// NewSQLService creates a session store on an open database handle and
// initializes the schema.
func NewSQLService(db *sql.DB) (*SQLService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &SQLService{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLService opens (or creates) a SQLite database at path and returns a
// session store backed by it.
func OpenSQLService(path string) (*SQLService, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	svc, err := NewSQLService(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return svc, nil
}

func (s *SQLService) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// Close closes the underlying database handle.
func (s *SQLService) Close() error {
	return s.db.Close()
}

func (s *SQLService) Create(ctx context.Context, title string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, input_tokens, output_tokens, cost, created_at, updated_at)
		 VALUES (?, ?, 0, 0, 0, ?, ?)`,
		sess.ID, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *SQLService) Get(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, input_tokens, output_tokens, cost, created_at, updated_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &sess.InputTokens, &sess.OutputTokens,
			&sess.Cost, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, status_kind, content, created_at
		 FROM session_messages WHERE session_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var statusKind sql.NullString
		if err := rows.Scan(&msg.Kind, &statusKind, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.StatusKind = StatusKind(statusKind.String)
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, rows.Err()
}

func (s *SQLService) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, input_tokens, output_tokens, cost, created_at, updated_at
		 FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.InputTokens, &sess.OutputTokens,
			&sess.Cost, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLService) AppendMessage(ctx context.Context, id string, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if err := s.exists(ctx, id); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, kind, status_kind, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, string(msg.Kind), string(msg.StatusKind), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *SQLService) AddUsage(ctx context.Context, id string, inputTokens, outputTokens int64, cost float64) error {
	if inputTokens < 0 || outputTokens < 0 || cost < 0 {
		return fmt.Errorf("usage deltas must be non-negative")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET input_tokens = input_tokens + ?,
		     output_tokens = output_tokens + ?,
		     cost = cost + ?,
		     updated_at = ?
		 WHERE id = ?`,
		inputTokens, outputTokens, cost, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLService) Usage(ctx context.Context, id string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT input_tokens, output_tokens, cost FROM sessions WHERE id = ?`, id).
		Scan(&u.InputTokens, &u.OutputTokens, &u.Cost)
	if err == sql.ErrNoRows {
		return Usage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Usage{}, fmt.Errorf("failed to load usage: %w", err)
	}
	return u, nil
}

func (s *SQLService) Delete(ctx context.Context, id string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLService) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return err
}

var _ Service = (*SQLService)(nil)
