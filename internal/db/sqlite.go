package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-chat/internal/llm/types"
	"github.com/kubilitics/kubilitics-chat/internal/metrics"
)

// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    provider       TEXT NOT NULL DEFAULT '',
    model          TEXT NOT NULL DEFAULT '',
    settings       TEXT NOT NULL DEFAULT '{}',
    message_count  INTEGER NOT NULL DEFAULT 0,
    total_tokens   INTEGER NOT NULL DEFAULT 0,
    is_active      INTEGER NOT NULL DEFAULT 1,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, is_active, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id                TEXT PRIMARY KEY,
    conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    seq               INTEGER NOT NULL,
    role              TEXT NOT NULL,
    content           TEXT NOT NULL,
    token_count       INTEGER NOT NULL DEFAULT 0,
    tokens_estimated  INTEGER NOT NULL DEFAULT 1,
    model             TEXT NOT NULL DEFAULT '',
    provider          TEXT NOT NULL DEFAULT '',
    timestamp         TEXT NOT NULL,
    UNIQUE(conversation_id, seq)
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS token_usage (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id            TEXT NOT NULL,
    conversation_id    TEXT NOT NULL DEFAULT '',
    provider           TEXT NOT NULL,
    model              TEXT NOT NULL DEFAULT '',
    prompt_tokens      INTEGER NOT NULL DEFAULT 0,
    completion_tokens  INTEGER NOT NULL DEFAULT 0,
    total_tokens       INTEGER NOT NULL DEFAULT 0,
    estimated          INTEGER NOT NULL DEFAULT 0,
    recorded_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_user ON token_usage(user_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_token_usage_conversation ON token_usage(conversation_id);
`,
	},
}

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies
// pending migrations. Use ":memory:" for tests.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// ─── Conversations ────────────────────────────────────────────────────────────

const conversationColumns = `id,user_id,title,provider,model,settings,message_count,total_tokens,is_active,created_at,updated_at`

func (s *sqliteStore) CreateConversation(ctx context.Context, rec *ConversationRecord) error {
	defer observe("create_conversation")()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.IsActive = true
	rec.Stats = Statistics{}

	settings, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO conversations(`+conversationColumns+`)
        VALUES(?,?,?,?,?,?,0,0,1,?,?)
    `,
		rec.ID, rec.UserID, rec.Title, rec.Provider, rec.Model, string(settings),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	defer observe("get_conversation")()

	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=? AND is_active=1`, id)
	rec, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*ConversationRecord, error) {
	defer observe("list_conversations")()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id=? AND is_active=1 ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) SoftDelete(ctx context.Context, conversationID string) error {
	defer observe("soft_delete")()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active=0, updated_at=? WHERE id=? AND is_active=1`,
		formatTime(s.now()), conversationID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendMessage(ctx context.Context, msg *MessageRecord) (Statistics, error) {
	defer observe("append_message")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Statistics{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var active int
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM conversations WHERE id=?`, msg.ConversationID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && active == 0) {
		return Statistics{}, ErrNotFound
	}
	if err != nil {
		return Statistics{}, err
	}

	var lastSeq int64
	var lastTS sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT seq, timestamp FROM messages WHERE conversation_id=? ORDER BY seq DESC LIMIT 1`,
		msg.ConversationID,
	).Scan(&lastSeq, &lastTS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Statistics{}, err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if lastTS.Valid {
		if prev, perr := parseTime(lastTS.String); perr == nil && msg.Timestamp.Before(prev) {
			msg.Timestamp = prev
		}
	}
	msg.Seq = lastSeq + 1

	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages(id, conversation_id, seq, role, content, token_count, tokens_estimated, model, provider, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?,?)
    `,
		msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.Content, msg.TokenCount,
		boolToInt(msg.TokensEstimated), msg.Model, msg.Provider, formatTime(msg.Timestamp),
	)
	if err != nil {
		return Statistics{}, fmt.Errorf("insert message: %w", err)
	}

	stats, err := recomputeStats(ctx, tx, msg.ConversationID, msg.Timestamp)
	if err != nil {
		return Statistics{}, err
	}
	if err := tx.Commit(); err != nil {
		return Statistics{}, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// recomputeStats folds the whole log rather than incrementing, so a retried
// append can never leave the aggregate drifting from the messages.
func recomputeStats(ctx context.Context, tx *sql.Tx, conversationID string, at time.Time) (Statistics, error) {
	var stats Statistics
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(token_count),0) FROM messages WHERE conversation_id=?`,
		conversationID,
	).Scan(&stats.MessageCount, &stats.TotalTokens)
	if err != nil {
		return Statistics{}, fmt.Errorf("recompute statistics: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET message_count=?, total_tokens=?, updated_at=? WHERE id=?`,
		stats.MessageCount, stats.TotalTokens, formatTime(at), conversationID,
	)
	if err != nil {
		return Statistics{}, fmt.Errorf("update statistics: %w", err)
	}
	return stats, nil
}

func (s *sqliteStore) RecentContext(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error) {
	defer observe("recent_context")()

	if limit <= 0 {
		limit = 20
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id=? ORDER BY seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *sqliteStore) GetMessages(ctx context.Context, conversationID string) ([]*MessageRecord, error) {
	defer observe("get_messages")()

	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id=? ORDER BY seq ASC`,
		conversationID,
	)
}

func (s *sqliteStore) Clear(ctx context.Context, conversationID string) error {
	defer observe("clear")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count=0, total_tokens=0, updated_at=? WHERE id=? AND is_active=1`,
		formatTime(s.now()), conversationID,
	)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Stats(ctx context.Context, conversationID string) (*ConversationStats, error) {
	defer observe("stats")()

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, COUNT(*), COALESCE(SUM(token_count),0) FROM messages WHERE conversation_id=? GROUP BY role`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &ConversationStats{
		Statistics:     conv.Stats,
		MessagesByRole: map[string]int{types.RoleUser: 0, types.RoleAssistant: 0, types.RoleSystem: 0},
		TokensByRole:   map[string]int{types.RoleUser: 0, types.RoleAssistant: 0, types.RoleSystem: 0},
	}
	for rows.Next() {
		var role string
		var count, tokens int
		if err := rows.Scan(&role, &count, &tokens); err != nil {
			return nil, err
		}
		out.MessagesByRole[role] = count
		out.TokensByRole[role] = tokens
	}
	if out.MessageCount > 0 {
		out.AverageTokensPerMessage = float64(out.TotalTokens) / float64(out.MessageCount)
	}
	return out, rows.Err()
}

const messageColumns = `id,conversation_id,seq,role,content,token_count,tokens_estimated,model,provider,timestamp`

func (s *sqliteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*MessageRecord{}
	for rows.Next() {
		msg := &MessageRecord{}
		var ts string
		var estimated int
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content,
			&msg.TokenCount, &estimated, &msg.Model, &msg.Provider, &ts); err != nil {
			return nil, err
		}
		msg.TokensEstimated = estimated != 0
		msg.Timestamp, _ = parseTime(ts)
		result = append(result, msg)
	}
	return result, rows.Err()
}

// ─── Token usage ──────────────────────────────────────────────────────────────

func (s *sqliteStore) RecordUsage(ctx context.Context, rec UsageRecord) error {
	defer observe("record_usage")()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO token_usage(user_id, conversation_id, provider, model, prompt_tokens, completion_tokens, total_tokens, estimated, recorded_at)
        VALUES(?,?,?,?,?,?,?,?,?)
    `,
		rec.UserID, rec.ConversationID, rec.Provider, rec.Model,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens,
		boolToInt(rec.Usage.Estimated), formatTime(rec.RecordedAt),
	)
	return err
}

func (s *sqliteStore) UserUsage(ctx context.Context, userID string) (*UserUsage, error) {
	defer observe("user_usage")()

	out := &UserUsage{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(total_tokens),0),
               COALESCE(SUM(CASE WHEN estimated=1 THEN total_tokens ELSE 0 END),0)
        FROM token_usage WHERE user_id=?
    `, userID).Scan(&out.Generations, &out.TotalTokens, &out.EstimatedTokens)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*ConversationRecord, error) {
	rec := &ConversationRecord{}
	var settings, ca, ua string
	var active int
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Provider, &rec.Model, &settings,
		&rec.Stats.MessageCount, &rec.Stats.TotalTokens, &active, &ca, &ua); err != nil {
		return nil, err
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &rec.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", rec.ID, err)
		}
	}
	rec.IsActive = active != 0
	rec.CreatedAt, _ = parseTime(ca)
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime uses a fixed-width layout so timestamps sort lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.000000000Z",
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
