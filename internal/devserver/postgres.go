package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"go-chat-sync/internal/cache"
)

// PostgresStore is the Store backed by PostgreSQL through pgx's database/sql
// driver.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// AutoMigrate creates the schema if it does not exist yet.
func (s *PostgresStore) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY,
            name VARCHAR(100) NOT NULL DEFAULT '',
            email VARCHAR(255) UNIQUE NOT NULL,
            phone VARCHAR(32) NOT NULL DEFAULT '',
            password VARCHAR(255) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            pair_key TEXT UNIQUE NOT NULL,
            user_a UUID REFERENCES users(id) ON DELETE CASCADE,
            user_b UUID REFERENCES users(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            seq BIGSERIAL PRIMARY KEY,
            id UUID UNIQUE NOT NULL,
            conversation_id UUID REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id UUID REFERENCES users(id) ON DELETE CASCADE,
            recipient_id UUID REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS blocks (
            blocker_id UUID REFERENCES users(id) ON DELETE CASCADE,
            blocked_id UUID REFERENCES users(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (blocker_id, blocked_id)
        )`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) (User, error) {
	u.ID = uuid.NewString()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	query := "INSERT INTO users (id, name, email, phone, password) VALUES ($1, $2, $3, $4, $5)"
	_, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.Phone, u.PasswordHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrUserExists
		}
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (User, error) {
	return s.userWhere(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, ErrUserNotFound
	}
	return s.userWhere(ctx, "id", id)
}

func (s *PostgresStore) userWhere(ctx context.Context, column, value string) (User, error) {
	var u User
	query := "SELECT id, name, email, phone, password FROM users WHERE " + column + " = $1"
	err := s.db.QueryRowContext(ctx, query, value).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (s *PostgresStore) SaveMessage(ctx context.Context, from, to, text string, at time.Time) (cache.Message, error) {
	if _, err := s.UserByID(ctx, to); err != nil {
		return cache.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cache.Message{}, err
	}
	defer tx.Rollback()

	convID := uuid.NewString()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, pair_key, user_a, user_b) VALUES ($1, $2, $3, $4)
		ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
		RETURNING id`, convID, pairKey(from, to), from, to).Scan(&convID)
	if err != nil {
		return cache.Message{}, err
	}

	m := cache.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       from,
		RecipientID:    to,
		Text:           text,
		CreatedAt:      at.UTC(),
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Text, m.CreatedAt)
	if err != nil {
		return cache.Message{}, err
	}
	return m, tx.Commit()
}

// History pages backwards by sequence number. The cursor is the seq of the
// oldest message of the previously returned page.
func (s *PostgresStore) History(ctx context.Context, self, peer, cursor string, limit int) (cache.Page, error) {
	page := cache.Page{Messages: []cache.Message{}}
	before := int64(1<<63 - 1)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || n < 0 {
			return cache.Page{}, ErrBadCursor
		}
		before = n
	}

	err := s.db.QueryRowContext(ctx, "SELECT id FROM conversations WHERE pair_key = $1", pairKey(self, peer)).Scan(&page.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return page, nil
	}
	if err != nil {
		return cache.Page{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, sender_id, recipient_id, content, created_at
		FROM messages
		WHERE conversation_id = $1 AND seq < $2
		ORDER BY seq DESC
		LIMIT $3`, page.ConversationID, before, limit+1)
	if err != nil {
		return cache.Page{}, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		m := cache.Message{ConversationID: page.ConversationID}
		if err := rows.Scan(&seq, &m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.CreatedAt); err != nil {
			return cache.Page{}, err
		}
		seqs = append(seqs, seq)
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return cache.Page{}, err
	}

	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		page.NextCursor = strconv.FormatInt(seqs[limit-1], 10)
	}
	for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
		page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
	}
	page.Count = len(page.Messages)
	return page, nil
}

func (s *PostgresStore) Conversations(ctx context.Context, self string) ([]cache.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, u.id, u.name,
		       EXISTS (SELECT 1 FROM blocks WHERE blocker_id = $1 AND blocked_id = u.id),
		       EXISTS (SELECT 1 FROM blocks WHERE blocker_id = u.id AND blocked_id = $1)
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = $1 OR c.user_b = $1`, self)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cache.Summary
	for rows.Next() {
		var sum cache.Summary
		if err := rows.Scan(&sum.ConversationID, &sum.PeerID, &sum.Name, &sum.Participant.BlockedByMe, &sum.Participant.BlockedMe); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.fillActivity(ctx, self, &out[i]); err != nil {
			return nil, err
		}
	}
	sortSummaries(out)
	return out, nil
}

func (s *PostgresStore) fillActivity(ctx context.Context, self string, sum *cache.Summary) error {
	last := cache.Message{ConversationID: sum.ConversationID}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, recipient_id, content, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY seq DESC LIMIT 1`, sum.ConversationID).
		Scan(&last.ID, &last.SenderID, &last.RecipientID, &last.Text, &last.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	sum.LastMessage = &last

	return s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2
		  AND seq > COALESCE((SELECT MAX(seq) FROM messages WHERE conversation_id = $1 AND sender_id = $2), 0)`,
		sum.ConversationID, self).Scan(&sum.UnreadCount)
}

func (s *PostgresStore) SetBlocked(ctx context.Context, blocker, blocked string, value bool) error {
	if _, err := s.UserByID(ctx, blocked); err != nil {
		return err
	}
	var err error
	if value {
		_, err = s.db.ExecContext(ctx, "INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", blocker, blocked)
	} else {
		_, err = s.db.ExecContext(ctx, "DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2", blocker, blocked)
	}
	return err
}

func (s *PostgresStore) Flags(ctx context.Context, self, peer string) (cache.Flags, error) {
	var f cache.Flags
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  EXISTS (SELECT 1 FROM blocks WHERE blocker_id = $1 AND blocked_id = $2),
		  EXISTS (SELECT 1 FROM blocks WHERE blocker_id = $2 AND blocked_id = $1)`, self, peer).
		Scan(&f.BlockedByMe, &f.BlockedMe)
	return f, err
}
