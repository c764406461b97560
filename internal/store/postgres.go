package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		blocks JSONB NOT NULL,
		text_content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_fts ON messages USING GIN (to_tsvector('english', text_content))`,
	`CREATE TABLE IF NOT EXISTS conversation_meta (
		conversation_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		turn INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		cache_write_tokens INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_conv ON usage_records(conversation_id)`,
	`CREATE TABLE IF NOT EXISTS memory_fragments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fragments_fts ON memory_fragments USING GIN (to_tsvector('english', content))`,
	`CREATE TABLE IF NOT EXISTS session_records (
		session_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		turn_count INTEGER NOT NULL,
		backtrack_count INTEGER NOT NULL,
		snapshot_id TEXT NOT NULL DEFAULT ''
	)`,
}

// PostgresStore backs multi-user deployments where SQLite's single-writer
// model is too tight.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, configures the pool, and applies the schema.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return s, nil
}

// DB exposes the shared handle for stores that live in the same
// database (playbook). Callers must not Close it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureConversation(ctx context.Context, conversationID, userID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		conversationID, userID, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessages(ctx context.Context, conversationID string, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = $1`, conversationID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup conversation: %w", err)
	}

	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		blocks, err := json.Marshal(msg.Blocks)
		if err != nil {
			return fmt.Errorf("marshal blocks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, blocks, text_content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, conversationID, string(msg.Role), string(blocks), msg.Text(), msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ReadMessages(ctx context.Context, conversationID string, limit int, cursor string) ([]*models.Message, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	var before int64 = 1<<63 - 1
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", false, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		before = v
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, role, blocks, created_at
		FROM messages
		WHERE conversation_id = $1 AND seq < $2
		ORDER BY seq DESC
		LIMIT $3`,
		conversationID, before, limit+1)
	if err != nil {
		return nil, "", false, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	type row struct {
		seq int64
		msg *models.Message
	}
	var page []row
	for rows.Next() {
		var (
			seq       int64
			id, role  string
			blocksRaw []byte
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &id, &role, &blocksRaw, &createdAt); err != nil {
			return nil, "", false, fmt.Errorf("scan message: %w", err)
		}
		var blocks []models.Block
		if err := json.Unmarshal(blocksRaw, &blocks); err != nil {
			return nil, "", false, fmt.Errorf("unmarshal blocks: %w", err)
		}
		page = append(page, row{seq: seq, msg: &models.Message{
			ID:             id,
			ConversationID: conversationID,
			Role:           models.Role(role),
			Blocks:         blocks,
			CreatedAt:      createdAt,
		}})
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, fmt.Errorf("read messages: %w", err)
	}

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}
	msgs := make([]*models.Message, len(page))
	next := ""
	for i, r := range page {
		msgs[len(page)-1-i] = r.msg
	}
	if len(page) > 0 {
		next = strconv.FormatInt(page[len(page)-1].seq, 10)
	}
	return msgs, next, hasMore, nil
}

func (s *PostgresStore) SetMetadata(ctx context.Context, conversationID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_meta (conversation_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		conversationID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMetadata(ctx context.Context, conversationID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM conversation_meta WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *PostgresStore) Search(ctx context.Context, userID, query string) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id,
		       ts_headline('english', m.text_content, plainto_tsquery('english', $1), 'MaxWords=16'),
		       ts_rank(to_tsvector('english', m.text_content), plainto_tsquery('english', $1))
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.user_id = $2
		  AND to_tsvector('english', m.text_content) @@ plainto_tsquery('english', $1)
		ORDER BY 4 DESC
		LIMIT 20`,
		query, userID)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Snippet, &m.Rank); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PostgresStore) AppendUsage(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage append: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_records
			(session_id, conversation_id, provider, model, turn, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.SessionID, rec.ConversationID, rec.Provider, rec.Model, rec.Turn,
			rec.Usage.InputTokens, rec.Usage.OutputTokens,
			rec.Usage.CacheReadTokens, rec.Usage.CacheWriteTokens, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) UsageForConversation(ctx context.Context, conversationID string) (models.TokenUsage, error) {
	var u models.TokenUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		       COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_write_tokens),0)
		FROM usage_records WHERE conversation_id = $1`,
		conversationID).Scan(&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens)
	if err != nil {
		return u, fmt.Errorf("sum usage: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) AddFragment(ctx context.Context, f *models.MemoryFragment) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("marshal fragment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_fragments (id, user_id, content, category, source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.UserID, f.Content, f.Category, f.Source, string(meta), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchFragments(ctx context.Context, userID, query string, categories []string, limit int) ([]models.MemoryHit, error) {
	if limit <= 0 {
		limit = 5
	}
	q := `
		SELECT id, user_id, content, category, source, created_at,
		       ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1))
		FROM memory_fragments
		WHERE user_id = $2
		  AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)`
	args := []any{query, userID}
	if len(categories) > 0 {
		q += ` AND category = ANY($3) ORDER BY 7 DESC LIMIT $4`
		args = append(args, pq.Array(categories), limit)
	} else {
		q += ` ORDER BY 7 DESC LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search fragments: %w", err)
	}
	defer rows.Close()

	var hits []models.MemoryHit
	for rows.Next() {
		var frag models.MemoryFragment
		var rank float64
		if err := rows.Scan(&frag.ID, &frag.UserID, &frag.Content, &frag.Category, &frag.Source, &frag.CreatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		hits = append(hits, models.MemoryHit{Fragment: frag, Score: rank, Origin: "keyword"})
	}
	return hits, rows.Err()
}

func (s *PostgresStore) RecordSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_records
		(session_id, conversation_id, agent_id, state, reason, started_at, ended_at, turn_count, backtrack_count, snapshot_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			ended_at = EXCLUDED.ended_at,
			turn_count = EXCLUDED.turn_count,
			backtrack_count = EXCLUDED.backtrack_count,
			snapshot_id = EXCLUDED.snapshot_id`,
		rec.SessionID, rec.ConversationID, rec.AgentID, string(rec.State), rec.Reason,
		rec.StartedAt, rec.EndedAt, rec.TurnCount, rec.BacktrackCount, rec.SnapshotID)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
