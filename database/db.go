package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"gigchat/models"
)

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBadCursor is returned for a page cursor that cannot be decoded.
	ErrBadCursor = errors.New("invalid page cursor")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page selects a window of a conversation's history. After is an opaque
// cursor returned by a previous page; empty starts from the oldest message.
type Page struct {
	After string
	Limit int
}

func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageSize
	case p.Limit > MaxPageSize:
		return MaxPageSize
	}
	return p.Limit
}

// Store is the durable message log and profile cache
type Store interface {
	// CreateMessage persists msg. The caller assigns ID and CreatedAt.
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// MarkRead flips is_read for a message addressed to receiverID. It
	// reports false when the message was already read.
	MarkRead(ctx context.Context, id, receiverID string, readAt time.Time) (bool, error)
	// ListUnreadFrom returns unread messages from senderID to receiverID, oldest first.
	ListUnreadFrom(ctx context.Context, senderID, receiverID string) ([]models.Message, error)
	// ListMessages returns the history between two users ordered by
	// (created_at, id) ascending, plus the cursor for the next page
	// (empty when there is none).
	ListMessages(ctx context.Context, userID, otherUserID string, page Page) ([]models.Message, string, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	UpsertProfile(ctx context.Context, p models.Profile) error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// SQLStore implements Store on database/sql for sqlite3 and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	log     *zap.Logger
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
}

// Open connects to driver ("sqlite3" or "postgres") and runs migrations.
func Open(ctx context.Context, driver, dsn string, opts Options, log *zap.Logger) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, d.prepareDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d.configurePool(db, opts)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d, log: log}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("database_ready", zap.String("driver", d.name()))
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// Message queries

const messageColumns = `id, sender_id, receiver_id, content, message_type, attachments, is_read, read_at, created_at`

// CreateMessage inserts a new message
func (s *SQLStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Type), attachments,
		msg.IsRead, nullableNanos(msg.ReadAt), msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by its ID
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead sets is_read and read_at on an unread message.
func (s *SQLStore) MarkRead(ctx context.Context, id, receiverID string, readAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE messages SET is_read = ?, read_at = ?
		WHERE id = ? AND receiver_id = ? AND is_read = ?`),
		true, readAt.UnixNano(), id, receiverID, false,
	)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListUnreadFrom returns the unread messages senderID sent to receiverID.
func (s *SQLStore) ListUnreadFrom(ctx context.Context, senderID, receiverID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+messageColumns+` FROM messages
		WHERE sender_id = ? AND receiver_id = ? AND is_read = ?
		ORDER BY created_at ASC, id ASC`),
		senderID, receiverID, false,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// ListMessages retrieves one page of messages between two users
func (s *SQLStore) ListMessages(ctx context.Context, userID, otherUserID string, page Page) ([]models.Message, string, error) {
	limit := page.limit()

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`
	args := []any{userID, otherUserID, otherUserID, userID}

	if page.After != "" {
		ts, id, err := decodeCursor(page.After)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ts, ts, id)
	}

	// fetch one extra row to learn whether another page exists
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, "", err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(messages) > limit {
		messages = messages[:limit]
		last := messages[len(messages)-1]
		next = encodeCursor(last.CreatedAt.UnixNano(), last.ID)
	}
	return messages, next, nil
}

// ListConversations retrieves one summary per counterparty, newest first.
// Unread counts are computed in the same statement so they cannot drift
// from the message log.
func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		WITH pair AS (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS other_id,
			       `+messageColumns+`
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
		), ranked AS (
			SELECT pair.*,
			       ROW_NUMBER() OVER (PARTITION BY other_id ORDER BY created_at DESC, id DESC) AS rn
			FROM pair
		)
		SELECT r.other_id, r.id, r.sender_id, r.receiver_id, r.content, r.message_type,
		       r.attachments, r.is_read, r.read_at, r.created_at,
		       (SELECT COUNT(*) FROM messages u
		         WHERE u.sender_id = r.other_id AND u.receiver_id = ? AND u.is_read = ?) AS unread,
		       COALESCE(p.name, ''), COALESCE(p.avatar, '')
		FROM ranked r
		LEFT JOIN profiles p ON p.id = r.other_id
		WHERE r.rn = 1
		ORDER BY r.created_at DESC, r.id DESC`),
		userID, userID, userID, userID, false,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var (
			conv        models.Conversation
			msg         models.Message
			msgType     string
			attachments string
			readAt      sql.NullInt64
			createdAt   int64
		)
		if err := rows.Scan(
			&conv.CounterpartyID, &msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msgType,
			&attachments, &msg.IsRead, &readAt, &createdAt,
			&conv.UnreadCount, &conv.Counterparty.Name, &conv.Counterparty.Avatar,
		); err != nil {
			return nil, err
		}
		if err := fillMessage(&msg, msgType, attachments, readAt, createdAt); err != nil {
			return nil, err
		}

		conv.Counterparty.ID = conv.CounterpartyID
		conv.LastMessage = &msg
		conv.LastMessageAt = msg.CreatedAt
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// Profile queries

// UpsertProfile records the display profile for a user id.
func (s *SQLStore) UpsertProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO profiles (id, name, avatar, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, avatar = excluded.avatar, updated_at = excluded.updated_at`),
		p.ID, p.Name, p.Avatar, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// scanning helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg         models.Message
		msgType     string
		attachments string
		readAt      sql.NullInt64
		createdAt   int64
	)
	if err := row.Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msgType,
		&attachments, &msg.IsRead, &readAt, &createdAt,
	); err != nil {
		return nil, err
	}
	if err := fillMessage(&msg, msgType, attachments, readAt, createdAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

func fillMessage(msg *models.Message, msgType, attachments string, readAt sql.NullInt64, createdAt int64) error {
	msg.Type = models.MessageType(msgType)
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	if readAt.Valid {
		t := time.Unix(0, readAt.Int64).UTC()
		msg.ReadAt = &t
	}
	msg.Attachments = []string{}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return fmt.Errorf("decode attachments for %s: %w", msg.ID, err)
		}
	}
	return nil
}

func encodeAttachments(a []string) (string, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(b), nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func encodeCursor(createdAt int64, id string) string {
	raw := strconv.FormatInt(createdAt, 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", ErrBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return 0, "", ErrBadCursor
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", ErrBadCursor
	}
	return n, id, nil
}
