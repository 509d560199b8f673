package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

//go:embed migrations.sql
var migrations embed.FS

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewPostgres connects, verifies the connection and applies the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig, log *logger.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Postgres{db: db, logger: log}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("connected to postgres")
	return s, nil
}

func (s *Postgres) initializeSchema(ctx context.Context) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Conversations

func (s *Postgres) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	meta, err := marshalJSON(conv.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, remote_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.RemoteID, conv.Status, meta, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var (
		conv     model.Conversation
		remoteID sql.NullString
		meta     []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, remote_id, status, metadata, created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&conv.ID, &remoteID, &conv.Status, &meta, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.RemoteID = nullString(remoteID)
	if err := unmarshalJSON(meta, &conv.Metadata); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Postgres) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	meta, err := marshalJSON(conv.Metadata, "{}")
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET remote_id = $2, status = $3, metadata = $4, updated_at = $5
		WHERE id = $1`,
		conv.ID, conv.RemoteID, conv.Status, meta, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return expectRow(result)
}

// Messages

const messageColumns = `id, conversation_id, request_task_id, role, content, status, metadata, created_at, sent_at, received_at`

func (s *Postgres) SaveMessages(ctx context.Context, msgs ...*model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if err := upsertMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

func upsertMessage(ctx context.Context, db execer, m *model.Message) error {
	meta, err := marshalJSON(m.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			request_task_id = EXCLUDED.request_task_id,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			sent_at = EXCLUDED.sent_at,
			received_at = EXCLUDED.received_at`,
		m.ID, m.ConversationID, m.RequestTaskID, m.Role, m.Content, m.Status, meta, m.CreatedAt, m.SentAt, m.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", m.ID, err)
	}
	return nil
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

func (s *Postgres) ListMessagesByTask(ctx context.Context, requestTaskID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE request_task_id = $1
		ORDER BY created_at, id`, requestTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *Postgres) ListPendingMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 AND status = 'pending' AND request_task_id IS NULL
		ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		var (
			m          model.Message
			taskID     sql.NullString
			meta       []byte
			sentAt     sql.NullTime
			receivedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &taskID, &m.Role, &m.Content, &m.Status, &meta, &m.CreatedAt, &sentAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.RequestTaskID = nullString(taskID)
		m.SentAt = nullTime(sentAt)
		m.ReceivedAt = nullTime(receivedAt)
		if err := unmarshalJSON(meta, &m.Metadata); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// Request tasks

func (s *Postgres) SaveRequestTask(ctx context.Context, task *model.RequestTask) error {
	return upsertTask(ctx, s.db, task)
}

func upsertTask(ctx context.Context, db execer, t *model.RequestTask) error {
	meta, err := marshalJSON(t.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO request_tasks (id, task_id, status, content, message_count, metadata, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.TaskID, t.Status, t.Content, t.MessageCount, meta, t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save request task %s: %w", t.TaskID, err)
	}
	return nil
}

func (s *Postgres) GetRequestTask(ctx context.Context, id string) (*model.RequestTask, error) {
	var (
		t           model.RequestTask
		meta        []byte
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, status, content, message_count, metadata, created_at, completed_at
		FROM request_tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.TaskID, &t.Status, &t.Content, &t.MessageCount, &meta, &t.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request task: %w", err)
	}
	t.CompletedAt = nullTime(completedAt)
	if err := unmarshalJSON(meta, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) TransitionRequestTask(ctx context.Context, id string, from []model.RequestTaskStatus, to model.RequestTaskStatus) error {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE request_tasks SET status = $2
		WHERE id = $1 AND status = ANY($3)`,
		id, to, pq.Array(statuses),
	)
	if err != nil {
		return fmt.Errorf("failed to transition request task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.GetRequestTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrStatusConflict, id, current.Status)
}

func (s *Postgres) SaveBatch(ctx context.Context, task *model.RequestTask, msgs []*model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTask(ctx, tx, task); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := upsertMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Failed messages

const failedColumns = `id, conversation_id, message_id, request_task_id, error, attempts, failed_at, retried, retry_history, context`

func (s *Postgres) SaveFailedMessage(ctx context.Context, fm *model.FailedMessage) error {
	history, err := marshalJSON(fm.RetryHistory, "[]")
	if err != nil {
		return err
	}
	fmCtx, err := marshalJSON(fm.Context, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failed_messages (`+failedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		fm.ID, fm.ConversationID, fm.MessageID, fm.RequestTaskID, fm.Error, fm.Attempts, fm.FailedAt, fm.Retried, history, fmCtx,
	)
	if err != nil {
		return fmt.Errorf("failed to save failed message: %w", err)
	}
	return nil
}

func (s *Postgres) GetFailedMessage(ctx context.Context, id string) (*model.FailedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+failedColumns+` FROM failed_messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed message: %w", err)
	}
	fms, err := scanFailed(rows)
	if err != nil {
		return nil, err
	}
	if len(fms) == 0 {
		return nil, ErrNotFound
	}
	return fms[0], nil
}

func (s *Postgres) ListUnretried(ctx context.Context, limit int) ([]*model.FailedMessage, error) {
	query := `SELECT ` + failedColumns + ` FROM failed_messages WHERE retried = FALSE ORDER BY failed_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unretried messages: %w", err)
	}
	return scanFailed(rows)
}

func (s *Postgres) ListFailedByTask(ctx context.Context, requestTaskID string) ([]*model.FailedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failedColumns+` FROM failed_messages
		WHERE request_task_id = $1
		ORDER BY failed_at, id`, requestTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task failures: %w", err)
	}
	return scanFailed(rows)
}

func (s *Postgres) AppendRetryHistory(ctx context.Context, id string, entry model.RetryHistoryEntry) error {
	data, err := json.Marshal([]model.RetryHistoryEntry{entry})
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE failed_messages SET retry_history = retry_history || $2::jsonb
		WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("failed to append retry history: %w", err)
	}
	return expectRow(result)
}

func (s *Postgres) MarkRetried(ctx context.Context, id string, entry model.RetryHistoryEntry) error {
	data, err := json.Marshal([]model.RetryHistoryEntry{entry})
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE failed_messages
		SET retried = TRUE, retry_history = retry_history || $2::jsonb
		WHERE id = $1 AND retried = FALSE`, id, data)
	if err != nil {
		return fmt.Errorf("failed to mark retried: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM failed_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check failed message: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyRetried
}

func scanFailed(rows *sql.Rows) ([]*model.FailedMessage, error) {
	defer rows.Close()

	var out []*model.FailedMessage
	for rows.Next() {
		var (
			fm                      model.FailedMessage
			convID, msgID, taskID   sql.NullString
			history, contextPayload []byte
		)
		if err := rows.Scan(&fm.ID, &convID, &msgID, &taskID, &fm.Error, &fm.Attempts, &fm.FailedAt, &fm.Retried, &history, &contextPayload); err != nil {
			return nil, fmt.Errorf("failed to scan failed message: %w", err)
		}
		fm.ConversationID = nullString(convID)
		fm.MessageID = nullString(msgID)
		fm.RequestTaskID = nullString(taskID)
		if err := unmarshalJSON(history, &fm.RetryHistory); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(contextPayload, &fm.Context); err != nil {
			return nil, err
		}
		out = append(out, &fm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed messages: %w", err)
	}
	return out, nil
}

// Lock takes a session-level advisory lock on a dedicated connection. The
// lock is released when the returned func runs, or when the connection dies.
func (s *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
				s.logger.Warn("failed to release advisory lock", zap.String("key", key), zap.Error(err))
			}
			conn.Close()
		})
	}, nil
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalJSON(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
