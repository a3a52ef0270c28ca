// Package mysql implements store.ConversationStore on MySQL (managed mode).
// Schema is managed by golang-migrate, see migrations/.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/zm-bad/dagchat/internal/store"
)

// ConversationStore implements store.ConversationStore backed by MySQL.
type ConversationStore struct {
	db *sql.DB
}

// Open connects to MySQL using a go-sql-driver DSN. The DSN must include
// parseTime=true so DATETIME columns scan into time.Time.
func Open(dsn string) (*ConversationStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
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
		var title, model sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &title, &model, &c.CreateTime, &c.UpdateTime); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		c.Title = title.String
		c.Model = model.String
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
	var model sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT model FROM t_conversations WHERE id = ?`, id,
	).Scan(&model)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read models: %w", err)
	}
	return model.String, nil
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
	merged := store.MergeModels(current, model)
	if err := s.WriteModels(ctx, id, merged); err != nil {
		return err
	}
	slog.Info("conversation.models_updated", "conversation_id", id, "models", merged)
	return nil
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
