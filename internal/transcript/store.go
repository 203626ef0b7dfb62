package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentgate/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.TranscriptStore using SQLite. Appends are
// serialized per chat with a keyed mutex so two concurrent turns cannot
// interleave one conversation's transcript; distinct chats proceed in
// parallel.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger, locks: make(map[string]*sync.Mutex)}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id               TEXT PRIMARY KEY,
		agent            TEXT,
		channel          TEXT,
		channel_instance TEXT,
		is_live          INTEGER DEFAULT 0,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		chat_id      TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		role         TEXT,
		content      TEXT,
		plain_text   TEXT,
		media_ref    TEXT,
		type         TEXT,
		call_id      TEXT,
		call_name    TEXT,
		arguments    TEXT,
		output       TEXT,
		status       TEXT,
		responded_to INTEGER DEFAULT 0,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(chat_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// chatLock returns the per-chat append mutex, creating it on first use.
func (s *SQLiteStore) chatLock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

func (s *SQLiteStore) CreateChat(ctx context.Context, chat domain.Chat) error {
	now := time.Now()
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (id, agent, channel, channel_instance, is_live, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.Agent, chat.Channel, chat.ChannelInstance, boolToInt(chat.IsLive), chat.CreatedAt, chat.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	var chat domain.Chat
	var live int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent, channel, channel_instance, is_live, created_at, updated_at FROM chats WHERE id = ?`, id,
	).Scan(&chat.ID, &chat.Agent, &chat.Channel, &chat.ChannelInstance, &live, &chat.CreatedAt, &chat.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	chat.IsLive = live != 0
	return &chat, nil
}

func (s *SQLiteStore) SetLive(ctx context.Context, id string, live bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET is_live = ?, updated_at = ? WHERE id = ?`, boolToInt(live), time.Now(), id,
	)
	return err
}

// ClearChat deletes a chat's messages, keeping the chat row. Returns the
// number of deleted messages.
func (s *SQLiteStore) ClearChat(ctx context.Context, id string) (int, error) {
	lock := s.chatLock(id)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	_, _ = s.db.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now(), id)
	return int(n), nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, chatID string, msg domain.MessageRecord) (*domain.MessageRecord, error) {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := insertMessage(ctx, tx, chatID, msg)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendBatch appends the turn's messages in creation order inside one
// transaction so a partially persisted turn cannot reorder the transcript.
func (s *SQLiteStore) AppendBatch(ctx context.Context, chatID string, msgs []domain.MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		if _, err := insertMessage(ctx, tx, chatID, msg); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now(), chatID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, chatID string, msg domain.MessageRecord) (*domain.MessageRecord, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ChatID = chatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?`, chatID,
	).Scan(&next); err != nil {
		return nil, err
	}
	msg.Seq = next.Int64

	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, seq, role, content, plain_text, media_ref, type, call_id, call_name, arguments, output, status, responded_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Seq, msg.Role, msg.Content, msg.PlainText, msg.MediaRef, msg.Type,
		msg.CallID, msg.CallName, msg.Arguments, msg.Output, msg.Status, boolToInt(msg.RespondedTo), msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a chat's messages in seq order, oldest first. A limit
// <= 0 returns the full transcript.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.MessageRecord, error) {
	query := `SELECT id, chat_id, seq, role, content, plain_text, media_ref, type, call_id, call_name, arguments, output, status, responded_to, created_at
	 FROM messages WHERE chat_id = ? ORDER BY seq`
	args := []any{chatID}
	if limit > 0 {
		// Last N messages, still returned oldest first.
		query = `SELECT * FROM (
			SELECT id, chat_id, seq, role, content, plain_text, media_ref, type, call_id, call_name, arguments, output, status, responded_to, created_at
			FROM messages WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var responded int
		var role, content, plain, media, typ, callID, callName, arguments, output, status sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &role, &content, &plain, &media, &typ,
			&callID, &callName, &arguments, &output, &status, &responded, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = role.String
		m.Content = content.String
		m.PlainText = plain.String
		m.MediaRef = media.String
		m.Type = typ.String
		m.CallID = callID.String
		m.CallName = callName.String
		m.Arguments = arguments.String
		m.Output = output.String
		m.Status = status.String
		m.RespondedTo = responded != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) MarkResponded(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET responded_to = 1 WHERE id = ?`, messageID,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
