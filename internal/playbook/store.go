// Package playbook stores strategies extracted from successful sessions
// and matches them against new tasks as non-mandatory hints.
package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrelhq/petrel/pkg/models"
)

// ErrNotFound reports a missing playbook entry.
var ErrNotFound = errors.New("playbook entry not found")

// Store persists playbook entries. Implementations: SQLStore over the
// shared database, MemoryStore for tests.
type Store interface {
	// Add inserts an entry, filling id and timestamps when absent.
	Add(ctx context.Context, e *models.PlaybookEntry) error

	// Get returns one entry by id.
	Get(ctx context.Context, id string) (*models.PlaybookEntry, error)

	// Update rewrites a stored entry's mutable fields.
	Update(ctx context.Context, e *models.PlaybookEntry) error

	// List returns a user's entries, optionally filtered by status,
	// newest first.
	List(ctx context.Context, userID string, statuses []models.PlaybookStatus) ([]*models.PlaybookEntry, error)

	// Candidates returns the user's approved entries matching the task
	// type by type field or tag. Staleness is filtered by the caller,
	// which owns the clock.
	Candidates(ctx context.Context, userID, taskType string) ([]*models.PlaybookEntry, error)

	// SetStatus transitions an entry's review state.
	SetStatus(ctx context.Context, id string, status models.PlaybookStatus) error

	// Touch bumps use_count and last_used_at after an injection.
	Touch(ctx context.Context, id string, usedAt time.Time) error

	// Delete removes one entry.
	Delete(ctx context.Context, id string) error
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS playbooks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		task_type TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		steps TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		source_session_id TEXT NOT NULL DEFAULT '',
		use_count INTEGER NOT NULL DEFAULT 0,
		last_used_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_playbooks_user ON playbooks(user_id, status)`,
}

// SQLStore runs over the shared application database. The SQL sticks to
// the dialect intersection; postgres only needs placeholder rebinding.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLStore applies the schema and returns the store. Set postgres for
// $n placeholder rebinding.
func NewSQLStore(ctx context.Context, db *sql.DB, postgres bool) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply playbook schema: %w", err)
		}
	}
	return s, nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Add(ctx context.Context, e *models.PlaybookEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.PlaybookDraft
	}
	steps, tags, err := marshalLists(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO playbooks
			(id, user_id, task_type, title, description, steps, tags, status,
			 source_session_id, use_count, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.TaskType, e.Title, e.Description, steps, tags,
		string(e.Status), e.SourceSessionID, e.UseCount, nullTime(e.LastUsedAt),
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert playbook: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.PlaybookEntry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectEntry+` WHERE id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("playbook %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *SQLStore) Update(ctx context.Context, e *models.PlaybookEntry) error {
	e.UpdatedAt = time.Now().UTC()
	steps, tags, err := marshalLists(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE playbooks
		SET task_type = ?, title = ?, description = ?, steps = ?, tags = ?,
		    status = ?, updated_at = ?
		WHERE id = ?`),
		e.TaskType, e.Title, e.Description, steps, tags, string(e.Status),
		e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update playbook: %w", err)
	}
	return requireRow(res, e.ID)
}

func (s *SQLStore) List(ctx context.Context, userID string, statuses []models.PlaybookStatus) ([]*models.PlaybookEntry, error) {
	q := selectEntry + ` WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at DESC`
	return s.queryEntries(ctx, q, args...)
}

func (s *SQLStore) Candidates(ctx context.Context, userID, taskType string) ([]*models.PlaybookEntry, error) {
	q := selectEntry + ` WHERE user_id = ? AND status = ?`
	args := []any{userID, string(models.PlaybookApproved)}
	if taskType != "" {
		q += ` AND (task_type = ? OR tags LIKE ?)`
		args = append(args, taskType, `%"`+taskType+`"%`)
	}
	q += ` ORDER BY use_count DESC, created_at DESC`
	return s.queryEntries(ctx, q, args...)
}

func (s *SQLStore) SetStatus(ctx context.Context, id string, status models.PlaybookStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE playbooks SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set playbook status: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLStore) Touch(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE playbooks
		SET use_count = use_count + 1, last_used_at = ?, updated_at = ?
		WHERE id = ?`),
		usedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch playbook: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM playbooks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete playbook: %w", err)
	}
	return requireRow(res, id)
}

const selectEntry = `
	SELECT id, user_id, task_type, title, description, steps, tags, status,
	       source_session_id, use_count, last_used_at, created_at, updated_at
	FROM playbooks`

func (s *SQLStore) queryEntries(ctx context.Context, q string, args ...any) ([]*models.PlaybookEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query playbooks: %w", err)
	}
	defer rows.Close()
	var out []*models.PlaybookEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.PlaybookEntry, error) {
	var e models.PlaybookEntry
	var steps, tags, status string
	var lastUsed sql.NullTime
	err := row.Scan(&e.ID, &e.UserID, &e.TaskType, &e.Title, &e.Description,
		&steps, &tags, &status, &e.SourceSessionID, &e.UseCount, &lastUsed,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.PlaybookStatus(status)
	if lastUsed.Valid {
		e.LastUsedAt = lastUsed.Time
	}
	if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
		return nil, fmt.Errorf("decode playbook steps: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode playbook tags: %w", err)
	}
	return &e, nil
}

func marshalLists(e *models.PlaybookEntry) (steps, tags string, err error) {
	rawSteps, err := json.Marshal(emptyIfNil(e.Steps))
	if err != nil {
		return "", "", fmt.Errorf("encode playbook steps: %w", err)
	}
	rawTags, err := json.Marshal(emptyIfNil(e.Tags))
	if err != nil {
		return "", "", fmt.Errorf("encode playbook tags: %w", err)
	}
	return string(rawSteps), string(rawTags), nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("playbook %s: %w", id, ErrNotFound)
	}
	return nil
}
