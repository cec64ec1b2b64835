// Package postgres provides PostgreSQL-backed storage for chats, messages and
// read markers. It implements both the message storage and the chat
// membership collaborators of the chat core.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
)

// PostgreSQL error codes the store maps onto chat errors.
const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
)

// Store manages chat records in PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ chat.Storage   = (*Store)(nil)
	_ chat.Directory = (*Store)(nil)
)

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateChat inserts a two-participant chat.
func (s *Store) CreateChat(ctx context.Context, chatID, userA, userB string) error {
	if chatID == "" || userA == "" || userB == "" || userA == userB {
		return errors.New("postgres: chat needs an id and two distinct participants")
	}
	const query = `INSERT INTO chats (id, user_a, user_b) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, chatID, userA, userB); err != nil {
		return fmt.Errorf("postgres: create chat: %w", err)
	}
	return nil
}

// PersistMessage inserts msg. An unknown chat yields chat.ErrChatNotFound.
func (s *Store) PersistMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}

	const query = `
		INSERT INTO messages (id, chat_id, sender_id, text, created_at, read_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		msg.ID,
		msg.ChatID,
		msg.SenderID,
		msg.Text,
		msg.CreatedAt,
		pq.Array(msg.ReadBy),
	).Scan(&msg.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case codeForeignKeyViolation:
				return chat.Message{}, chat.ErrChatNotFound
			case codeUniqueViolation:
				return chat.Message{}, fmt.Errorf("postgres: duplicate message id %s: %w", msg.ID, err)
			}
		}
		return chat.Message{}, fmt.Errorf("postgres: insert message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// LoadChatSnapshot returns the chat's participants and its messages ordered
// by creation time.
func (s *Store) LoadChatSnapshot(ctx context.Context, chatID string) (chat.Snapshot, error) {
	p, err := s.ParticipantsOf(ctx, chatID)
	if err != nil {
		return chat.Snapshot{}, err
	}

	const query = `
		SELECT id, sender_id, text, created_at, read_by
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return chat.Snapshot{}, fmt.Errorf("postgres: load messages: %w", err)
	}
	defer rows.Close()

	snap := chat.Snapshot{ChatID: chatID, Participants: p, Messages: []chat.Message{}}
	for rows.Next() {
		m := chat.Message{ChatID: chatID}
		var readBy []string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &m.CreatedAt, pq.Array(&readBy)); err != nil {
			return chat.Snapshot{}, fmt.Errorf("postgres: scan message: %w", err)
		}
		if readBy == nil {
			readBy = []string{}
		}
		m.ReadBy = readBy
		m.CreatedAt = m.CreatedAt.UTC()
		snap.Messages = append(snap.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Snapshot{}, fmt.Errorf("postgres: load messages: %w", err)
	}
	return snap, nil
}

// SetReadMarker advances userID's marker (it never moves backwards) and adds
// userID to read_by of every partner message up to the marker, in one
// transaction.
func (s *Store) SetReadMarker(ctx context.Context, chatID, userID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var userA, userB string
	err = tx.QueryRowContext(ctx, `SELECT user_a, user_b FROM chats WHERE id = $1 FOR SHARE`, chatID).Scan(&userA, &userB)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: read chat: %w", err)
	}
	if !(chat.Participants{UserA: userA, UserB: userB}).Has(userID) {
		return chat.ErrNotAParticipant
	}

	const upsert = `
		INSERT INTO read_markers (chat_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id)
		DO UPDATE SET read_at = GREATEST(read_markers.read_at, EXCLUDED.read_at)
		RETURNING read_at`

	var marker time.Time
	if err := tx.QueryRowContext(ctx, upsert, chatID, userID, at).Scan(&marker); err != nil {
		return fmt.Errorf("postgres: upsert read marker: %w", err)
	}

	const markRead = `
		UPDATE messages
		SET read_by = array_append(read_by, $2)
		WHERE chat_id = $1
		  AND sender_id <> $2
		  AND created_at <= $3
		  AND NOT ($2 = ANY (read_by))`

	if _, err := tx.ExecContext(ctx, markRead, chatID, userID, marker); err != nil {
		return fmt.Errorf("postgres: mark messages read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ReadMarker returns userID's read marker for chatID.
func (s *Store) ReadMarker(ctx context.Context, chatID, userID string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT read_at FROM read_markers WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: read marker: %w", err)
	}
	return at.UTC(), true, nil
}

// ParticipantsOf returns the chat's two participants.
func (s *Store) ParticipantsOf(ctx context.Context, chatID string) (chat.Participants, error) {
	var p chat.Participants
	err := s.db.QueryRowContext(ctx,
		`SELECT user_a, user_b FROM chats WHERE id = $1`, chatID,
	).Scan(&p.UserA, &p.UserB)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Participants{}, chat.ErrChatNotFound
	}
	if err != nil {
		return chat.Participants{}, fmt.Errorf("postgres: participants of %s: %w", chatID, err)
	}
	return p, nil
}

// PartnersOf returns every user sharing a chat with userID, sorted.
func (s *Store) PartnersOf(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT DISTINCT CASE WHEN user_a = $1 THEN user_b ELSE user_a END AS partner
		FROM chats
		WHERE user_a = $1 OR user_b = $1
		ORDER BY partner`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: partners of %s: %w", userID, err)
	}
	defer rows.Close()

	partners := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan partner: %w", err)
		}
		partners = append(partners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: partners of %s: %w", userID, err)
	}
	return partners, nil
}
