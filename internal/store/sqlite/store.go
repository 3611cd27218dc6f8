// Package sqlite implements the document store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlitedrv "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/dromero/obralink/backend/internal/model/chat"
	"github.com/dromero/obralink/backend/internal/store"
)

// Store persists sessions, transcripts and the usage ledger in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS usage_ops (
			session_id TEXT NOT NULL,
			op_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, op_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) InsertSession(ctx context.Context, session chat.Session) error {
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, input_tokens, output_tokens, cost, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, string(session.Status),
		session.Usage.InputTokens, session.Usage.OutputTokens, session.Usage.Cost,
		metadata, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var se *sqlitedrv.Error
	return errors.As(err, &se) && se.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, input_tokens, output_tokens, cost, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, sessionID)

	var session chat.Session
	var status string
	var metadata sql.NullString
	err := row.Scan(&session.ID, &session.UserID, &status,
		&session.Usage.InputTokens, &session.Usage.OutputTokens, &session.Usage.Cost,
		&metadata, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	session.Status = chat.Status(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return chat.Session{}, fmt.Errorf("failed to decode session metadata: %w", err)
		}
	}
	return session, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status chat.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireRow(res)
}

func (s *Store) AppendMessage(ctx context.Context, message chat.Message) error {
	attachments, err := marshalAttachments(message.Attachments)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, message.CreatedAt, message.SessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, attachments, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, string(message.Role), message.Content,
		attachments, message.InputTokens, message.OutputTokens, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	// rowid keeps strict arrival order even when timestamps collide.
	query := `SELECT id, session_id, role, content, attachments, input_tokens, output_tokens, created_at
		 FROM messages WHERE session_id = ? ORDER BY rowid`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT id, session_id, role, content, attachments, input_tokens, output_tokens, created_at FROM (
			SELECT rowid AS rid, * FROM messages WHERE session_id = ? ORDER BY rid DESC LIMIT ?
		) ORDER BY rid`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var msg chat.Message
		var role string
		var attachments sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content,
			&attachments, &msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = chat.Role(role)
		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("failed to decode attachments: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *Store) AddUsage(ctx context.Context, sessionID, opID string, usage chat.Usage) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO usage_ops (session_id, op_id, created_at) VALUES (?, ?, ?)`,
		sessionID, opID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record usage op: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Retried operation, totals already include it.
		return false, tx.Commit()
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		 cost = cost + ?, updated_at = ? WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, usage.Cost, time.Now().UTC(), sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to accumulate usage: %w", err)
	}
	if err := requireRow(res); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func (s *Store) IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status = ? AND updated_at < ?`,
		string(chat.StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to scan idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Rollup(ctx context.Context) (store.Rollup, error) {
	rollup := store.Rollup{SessionsByStatus: make(map[chat.Status]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		 FROM sessions GROUP BY status`)
	if err != nil {
		return store.Rollup{}, fmt.Errorf("failed to aggregate sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count, inTok, outTok int
		var cost float64
		if err := rows.Scan(&status, &count, &inTok, &outTok, &cost); err != nil {
			return store.Rollup{}, err
		}
		rollup.SessionsByStatus[chat.Status(status)] = count
		rollup.InputTokens += inTok
		rollup.OutputTokens += outTok
		rollup.Cost += cost
	}
	if err := rows.Err(); err != nil {
		return store.Rollup{}, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&rollup.Messages); err != nil {
		return store.Rollup{}, fmt.Errorf("failed to count messages: %w", err)
	}
	return rollup, nil
}

func (s *Store) Close() error { return s.db.Close() }

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode session metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalAttachments(attachments []chat.Attachment) (sql.NullString, error) {
	if len(attachments) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode attachments: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
