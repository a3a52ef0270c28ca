// Package sqlite implements store.ConversationStore on a local SQLite file
// for standalone mode. Uses the pure-Go modernc driver, zero CGO.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/zm-bad/dagchat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS t_conversations (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	create_time TIMESTAMP NOT NULL,
	update_time TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON t_conversations (user_id, update_time);
`

// ConversationStore implements store.ConversationStore backed by SQLite.
type ConversationStore struct {
	db *sql.DB
}

// Open creates (or opens) the database file and ensures the schema exists.
// A single connection serializes all writers, avoiding SQLITE_BUSY errors
// from concurrent chat turns.
func Open(path string) (*ConversationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

func (s *ConversationStore) Create(ctx context.Context, id, userID, model string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO t_conversations (id, user_id, title, model, create_time, update_time)
		 VALUES (?, ?, '', ?, ?, ?)`,
		id, userID, model, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) List(ctx context.Context, userID string, page, pageSize int) ([]store.Conversation, int, error) {
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, create_time, update_time
		 FROM t_conversations
		 WHERE user_id = ?
		 ORDER BY update_time DESC
		 LIMIT ? OFFSET ?`,
		userID, pageSize, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var list []store.Conversation
	for rows.Next() {
		var c store.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreateTime, &c.UpdateTime); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM t_conversations WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}
	return list, total, nil
}

func (s *ConversationStore) Rename(ctx context.Context, id, userID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET title = ?, update_time = ? WHERE id = ? AND user_id = ?`,
		title, time.Now(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) Delete(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM t_conversations WHERE id = ? AND user_id = ?`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(res)
}

func (s *ConversationStore) SetTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET title = ?, update_time = ? WHERE id = ?`,
		title, time.Now(), id,
	)
	return err
}

func (s *ConversationStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET update_time = ? WHERE id = ?`,
		time.Now(), id,
	)
	return err
}

func (s *ConversationStore) ReadModels(ctx context.Context, id string) (string, error) {
	var model string
	err := s.db.QueryRowContext(ctx,
		`SELECT model FROM t_conversations WHERE id = ?`, id,
	).Scan(&model)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read models: %w", err)
	}
	return model, nil
}

func (s *ConversationStore) WriteModels(ctx context.Context, id, models string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE t_conversations SET model = ?, update_time = ? WHERE id = ?`,
		models, time.Now(), id,
	)
	return err
}

func (s *ConversationStore) AppendModel(ctx context.Context, id, model string) error {
	current, err := s.ReadModels(ctx, id)
	if err != nil {
		return err
	}
	return s.WriteModels(ctx, id, store.MergeModels(current, model))
}

func (s *ConversationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ConversationStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.ConversationStore = (*ConversationStore)(nil)
