package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/pkg/models"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		blocks TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq)`,
	`CREATE TABLE IF NOT EXISTS conversation_meta (
		conversation_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		turn INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		cache_write_tokens INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_conv ON usage_records(conversation_id)`,
	`CREATE TABLE IF NOT EXISTS memory_fragments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_records (
		session_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NOT NULL,
		turn_count INTEGER NOT NULL,
		backtrack_count INTEGER NOT NULL,
		snapshot_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		content,
		message_id UNINDEXED,
		conversation_id UNINDEXED,
		user_id UNINDEXED
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS fragments_fts USING fts5(
		content,
		fragment_id UNINDEXED,
		user_id UNINDEXED,
		category UNINDEXED
	)`,
}

// SQLiteStore is the local-first default backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database and applies
// the schema.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig) (*SQLiteStore, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway and the
	// pure-Go driver returns busy errors under write contention.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the shared handle for stores that live in the same
// database (playbook). Callers must not Close it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) EnsureConversation(ctx context.Context, conversationID, userID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		conversationID, userID, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, conversationID string, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	userID, err := s.conversationUser(ctx, tx, conversationID)
	if err != nil {
		return err
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
			INSERT INTO messages (id, conversation_id, role, blocks, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			msg.ID, conversationID, string(msg.Role), string(blocks), msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if text := msg.Text(); text != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages_fts (content, message_id, conversation_id, user_id)
				VALUES (?, ?, ?, ?)`,
				text, msg.ID, conversationID, userID); err != nil {
				return fmt.Errorf("index message: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) conversationUser(ctx context.Context, tx *sql.Tx, conversationID string) (string, error) {
	var userID string
	err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, conversationID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	return userID, nil
}

func (s *SQLiteStore) ReadMessages(ctx context.Context, conversationID string, limit int, cursor string) ([]*models.Message, string, bool, error) {
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
	// Fetch one extra row to learn whether an older page exists.
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, role, blocks, created_at
		FROM messages
		WHERE conversation_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?`,
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
			blocksRaw string
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &id, &role, &blocksRaw, &createdAt); err != nil {
			return nil, "", false, fmt.Errorf("scan message: %w", err)
		}
		var blocks []models.Block
		if err := json.Unmarshal([]byte(blocksRaw), &blocks); err != nil {
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
	// Rows arrived newest first; flip to chronological order.
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

func (s *SQLiteStore) SetMetadata(ctx context.Context, conversationID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_meta (conversation_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		conversationID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMetadata(ctx context.Context, conversationID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM conversation_meta WHERE conversation_id = ?`, conversationID)
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

// ftsQuote turns free text into a safe FTS5 phrase query.
func ftsQuote(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

func (s *SQLiteStore) Search(ctx context.Context, userID, query string) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, snippet(messages_fts, 0, '', '', '…', 16), bm25(messages_fts)
		FROM messages_fts
		WHERE messages_fts MATCH ? AND user_id = ?
		ORDER BY bm25(messages_fts)
		LIMIT 20`,
		ftsQuote(query), userID)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var rank float64
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Snippet, &rank); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		// bm25 is smaller-is-better; negate so larger means more relevant.
		m.Rank = -rank
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *SQLiteStore) AppendUsage(ctx context.Context, records []UsageRecord) error {
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.ConversationID, rec.Provider, rec.Model, rec.Turn,
			rec.Usage.InputTokens, rec.Usage.OutputTokens,
			rec.Usage.CacheReadTokens, rec.Usage.CacheWriteTokens, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UsageForConversation(ctx context.Context, conversationID string) (models.TokenUsage, error) {
	var u models.TokenUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		       COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_write_tokens),0)
		FROM usage_records WHERE conversation_id = ?`,
		conversationID).Scan(&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens)
	if err != nil {
		return u, fmt.Errorf("sum usage: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) AddFragment(ctx context.Context, f *models.MemoryFragment) error {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fragment add: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_fragments (id, user_id, content, category, source, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Content, f.Category, f.Source, string(meta), f.CreatedAt); err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fragments_fts (content, fragment_id, user_id, category)
		VALUES (?, ?, ?, ?)`,
		f.Content, f.ID, f.UserID, f.Category); err != nil {
		return fmt.Errorf("index fragment: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SearchFragments(ctx context.Context, userID, query string, categories []string, limit int) ([]models.MemoryHit, error) {
	if limit <= 0 {
		limit = 5
	}
	q := `
		SELECT f.id, f.user_id, f.content, f.category, f.source, f.created_at, bm25(fragments_fts)
		FROM fragments_fts
		JOIN memory_fragments f ON f.id = fragments_fts.fragment_id
		WHERE fragments_fts MATCH ? AND fragments_fts.user_id = ?`
	args := []any{ftsQuote(query), userID}
	if len(categories) > 0 {
		q += ` AND fragments_fts.category IN (?` + strings.Repeat(",?", len(categories)-1) + `)`
		for _, c := range categories {
			args = append(args, c)
		}
	}
	q += ` ORDER BY bm25(fragments_fts) LIMIT ?`
	args = append(args, limit)

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
		hits = append(hits, models.MemoryHit{
			Fragment: frag,
			Score:    bm25ToScore(rank),
			Origin:   "keyword",
		})
	}
	return hits, rows.Err()
}

// bm25ToScore squeezes an FTS5 bm25 rank (negative, smaller is better in
// raw form) into (0,1] for fusion with vector scores.
func bm25ToScore(rank float64) float64 {
	if rank < 0 {
		rank = -rank
	}
	return 1 / (1 + rank)
}

func (s *SQLiteStore) RecordSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_records
		(session_id, conversation_id, agent_id, state, reason, started_at, ended_at, turn_count, backtrack_count, snapshot_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			ended_at = excluded.ended_at,
			turn_count = excluded.turn_count,
			backtrack_count = excluded.backtrack_count,
			snapshot_id = excluded.snapshot_id`,
		rec.SessionID, rec.ConversationID, rec.AgentID, string(rec.State), rec.Reason,
		rec.StartedAt, rec.EndedAt, rec.TurnCount, rec.BacktrackCount, rec.SnapshotID)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
