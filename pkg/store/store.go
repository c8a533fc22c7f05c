// Package store persists conversations in SQLite and publishes live views of
// their message logs and execution state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/ranya-bridge/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is a SQLite-backed conversation.Store and conversation.ObserverSource.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	hub    *hub
	now    func() time.Time
}

var (
	_ conversation.Store          = (*Store)(nil)
	_ conversation.ObserverSource = (*Store)(nil)
)

// Open opens (or creates) the conversation database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		hub:    newHub(),
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			tool_calls TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new empty conversation.
func (s *Store) CreateConversation(ctx context.Context) (string, error) {
	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at) VALUES (?, ?)`,
		id, s.now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	s.logger.Debug().Str("conversation_id", id).Msg("Conversation created")
	return id, nil
}

// Exists reports whether the conversation is present.
func (s *Store) Exists(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestConversation returns the most recently created conversation.
func (s *Store) LatestConversation(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations ORDER BY created_at DESC, rowid DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// InsertUserMessage appends an inbound user message.
func (s *Store) InsertUserMessage(ctx context.Context, conversationID, text string, attachments []string) (conversation.Message, error) {
	return s.AppendMessage(ctx, conversation.Message{
		ConversationID: conversationID,
		Role:           conversation.RoleUser,
		Content:        text,
		Attachments:    attachments,
	})
}

// AppendMessage stores m, filling ID and Timestamp when unset, and publishes
// the updated log to watchers.
func (s *Store) AppendMessage(ctx context.Context, m conversation.Message) (conversation.Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	attachments, err := json.Marshal(nonNil(m.Attachments))
	if err != nil {
		return conversation.Message{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, attachments, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, string(m.Role), m.Content, string(attachments), m.ToolCalls, m.Timestamp.UnixNano())
	if err != nil {
		if ok, _ := s.Exists(ctx, m.ConversationID); !ok {
			return conversation.Message{}, fmt.Errorf("%w: %s", conversation.ErrNotFound, m.ConversationID)
		}
		return conversation.Message{}, fmt.Errorf("insert message: %w", err)
	}

	s.notify(m.ConversationID)
	return m, nil
}

// Messages returns the ordered log of a conversation.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, attachments, tool_calls, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, rowid
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var (
			m           conversation.Message
			role        string
			attachments string
			createdAt   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &attachments, &m.ToolCalls, &createdAt); err != nil {
			return nil, err
		}
		m.Role = conversation.Role(role)
		m.Timestamp = time.Unix(0, createdAt)
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) load(conversationID string) ([]conversation.Message, error) {
	return s.Messages(context.Background(), conversationID)
}

func (s *Store) notify(conversationID string) {
	if err := s.hub.publishMessages(conversationID, s.load); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to load snapshot for watchers")
	}
}

// WatchMessages streams the conversation's log, starting with its current
// contents. If the log cannot be read the returned channel is closed, which
// observers treat as a failure.
func (s *Store) WatchMessages(conversationID string) (<-chan []conversation.Message, func()) {
	ch, cancel, err := s.hub.subscribeMessages(conversationID, s.load)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to load initial snapshot")
		closed := make(chan []conversation.Message)
		close(closed)
		return closed, func() {}
	}
	return ch, cancel
}

// WatchExecuting streams the set of conversations currently executing.
func (s *Store) WatchExecuting() (<-chan conversation.IDSet, func()) {
	return s.hub.subscribeExecuting()
}

// SetExecuting flips the execution flag of a conversation.
func (s *Store) SetExecuting(conversationID string, executing bool) {
	s.hub.setExecuting(conversationID, executing)
}

// IsExecuting reports the execution flag of a conversation.
func (s *Store) IsExecuting(conversationID string) bool {
	return s.hub.isExecuting(conversationID)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
