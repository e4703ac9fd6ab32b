// Package store implements the durable document store for sessions, messages,
// activities and analysis records on SQLite. The store is the source of
// truth; in-memory conversation buffers are reconstructed from it on demand.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cortexhub/companion-gateway/internal/types"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a session, message or activity is absent.
	ErrNotFound = errors.New("store: not found")
	// ErrAccessDenied is returned when a record is owned by another user.
	ErrAccessDenied = errors.New("store: access denied")
)

// SQLiteStore implements interfaces.Store using SQLite for persistence.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs
// migrations. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite rejects concurrent writers on one connection pool;
	// a single connection serializes statements.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		is_deleted INTEGER DEFAULT 0,
		meta TEXT DEFAULT '{}',
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		is_active INTEGER DEFAULT 1,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		state TEXT DEFAULT '{}',
		goal TEXT DEFAULT '',
		user_goal TEXT DEFAULT '',
		assistant_goal TEXT DEFAULT '',
		engagement TEXT DEFAULT '{}',
		context_refs TEXT DEFAULT '[]',
		message_refs TEXT DEFAULT '[]',
		summary_memory_id TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_activities_pair ON activities(user_id, session_id, is_active);

	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		insight TEXT DEFAULT '',
		goals TEXT DEFAULT '[]',
		strategy TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_session ON analyses(session_id, created_at);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		source_id TEXT DEFAULT '',
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ─── sessions ───

// CreateSession inserts a session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, metadata, created_at, last_activity_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, string(meta), sess.CreatedAt, sess.LastActivityAt, sess.EndedAt)
	return err
}

// GetSession fetches a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, metadata, created_at, last_activity_at, ended_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions for a user, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, metadata, created_at, last_activity_at, ended_at
		 FROM sessions WHERE user_id = ? ORDER BY last_activity_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TouchSession updates last_activity_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, at, id)
}

// UpdateSessionTitle sets the session title.
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
}

// EndSession soft-ends a session by stamping ended_at.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, at, id)
}

// DeleteSession hard-deletes a session and its messages. Only used for
// explicit user-requested deletion; everywhere else sessions are soft-ended.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	return s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id)
}

// SessionUserIDs returns the distinct user ids that own at least one session,
// for maintenance sweeps.
func (s *SQLiteStore) SessionUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ─── messages ───

// AppendMessage inserts a message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, status, is_deleted, meta, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, string(m.Status), boolInt(m.IsDeleted), string(meta), m.Timestamp)
	return err
}

// UpdateMessage rewrites content, status and meta for an existing message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return fmt.Errorf("marshal message meta: %w", err)
	}
	return s.exec(ctx,
		`UPDATE messages SET content = ?, status = ?, is_deleted = ?, meta = ? WHERE id = ?`,
		m.Content, string(m.Status), boolInt(m.IsDeleted), string(meta), m.ID)
}

// GetMessage fetches a message by id, including soft-deleted ones.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, status, is_deleted, meta, timestamp
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// FindByClientMessageID locates a non-deleted user turn by its optimistic
// client id. json_extract keeps this a single indexed-session scan.
func (s *SQLiteStore) FindByClientMessageID(ctx context.Context, sessionID, clientID string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, status, is_deleted, meta, timestamp
		 FROM messages
		 WHERE session_id = ? AND is_deleted = 0
		   AND json_extract(meta, '$.client_message_id') = ?
		 ORDER BY timestamp DESC LIMIT 1`, sessionID, clientID)
	return scanMessage(row)
}

// RecentMessages returns up to limit non-deleted messages newest-first.
// activityID == "" selects messages without an activity tag; otherwise only
// messages tagged with that activity are returned (activity views are
// isolated from plain conversation).
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID, activityID string, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, session_id, role, content, status, is_deleted, meta, timestamp
		 FROM messages
		 WHERE session_id = ? AND is_deleted = 0 AND `
	args := []any{sessionID}
	if activityID == "" {
		query += `(json_extract(meta, '$.activity_id') IS NULL OR json_extract(meta, '$.activity_id') = '')`
	} else {
		query += `json_extract(meta, '$.activity_id') = ?`
		args = append(args, activityID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SoftDeleteMessage flips is_deleted. The row and its foreign references
// survive.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE messages SET is_deleted = 1 WHERE id = ?`, id)
}

// RestoreMessage reverses a soft delete, content unchanged.
func (s *SQLiteStore) RestoreMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE messages SET is_deleted = 0 WHERE id = ?`, id)
}

// StaleProcessingMessages returns messages stuck in processing since before
// cutoff: placeholders orphaned by a crash between publish and consume.
func (s *SQLiteStore) StaleProcessingMessages(ctx context.Context, cutoff time.Time) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, status, is_deleted, meta, timestamp
		 FROM messages WHERE status = ? AND timestamp < ?`,
		string(types.StatusProcessing), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ─── activities ───

// CreateActivity inserts an activity.
func (s *SQLiteStore) CreateActivity(ctx context.Context, a *types.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, engagement, ctxRefs, msgRefs, err := marshalActivityFields(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activities (id, user_id, session_id, type, name, is_active, start_time, end_time,
		   state, goal, user_goal, assistant_goal, engagement, context_refs, message_refs, summary_memory_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.SessionID, string(a.Type), a.Name, boolInt(a.IsActive), a.StartTime, a.EndTime,
		state, a.Goal, a.UserGoal, a.AssistantGoal, engagement, ctxRefs, msgRefs, a.SummaryMemoryID)
	return err
}

// UpdateActivity rewrites the mutable activity fields.
func (s *SQLiteStore) UpdateActivity(ctx context.Context, a *types.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, engagement, ctxRefs, msgRefs, err := marshalActivityFields(a)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`UPDATE activities SET is_active = ?, end_time = ?, state = ?, goal = ?, user_goal = ?,
		   assistant_goal = ?, engagement = ?, context_refs = ?, message_refs = ?, summary_memory_id = ?
		 WHERE id = ?`,
		boolInt(a.IsActive), a.EndTime, state, a.Goal, a.UserGoal, a.AssistantGoal,
		engagement, ctxRefs, msgRefs, a.SummaryMemoryID, a.ID)
}

// GetActivity fetches an activity by id.
func (s *SQLiteStore) GetActivity(ctx context.Context, id string) (*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, activitySelect+` WHERE id = ?`, id)
	return scanActivity(row)
}

// ActiveActivity returns the active activity for the pair, or nil when the
// session is in plain conversation mode.
func (s *SQLiteStore) ActiveActivity(ctx context.Context, userID, sessionID string) (*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		activitySelect+` WHERE user_id = ? AND session_id = ? AND is_active = 1
		 ORDER BY start_time DESC LIMIT 1`, userID, sessionID)
	a, err := scanActivity(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// StaleActiveActivities returns activities still active whose start predates
// cutoff, for the idle-activity sweep.
func (s *SQLiteStore) StaleActiveActivities(ctx context.Context, cutoff time.Time) ([]*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		activitySelect+` WHERE is_active = 1 AND start_time < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ─── analyses and memories ───

// SaveAnalysis inserts an analysis record.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, a *types.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	goals, err := json.Marshal(a.Goals)
	if err != nil {
		return fmt.Errorf("marshal analysis goals: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, session_id, user_id, insight, goals, strategy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.UserID, a.Insight, string(goals), a.Strategy, a.CreatedAt)
	return err
}

// LatestAnalysis returns the most recent analysis for a session, or nil.
func (s *SQLiteStore) LatestAnalysis(ctx context.Context, sessionID string) (*types.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, insight, goals, strategy, created_at
		 FROM analyses WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)

	a := &types.AnalysisRecord{}
	var goals string
	err := row.Scan(&a.ID, &a.SessionID, &a.UserID, &a.Insight, &goals, &a.Strategy, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(goals), &a.Goals); err != nil {
		return nil, fmt.Errorf("unmarshal analysis goals: %w", err)
	}
	return a, nil
}

// SaveMemory inserts a derived memory record.
func (s *SQLiteStore) SaveMemory(ctx context.Context, m *types.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, session_id, source_id, kind, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.SessionID, m.SourceID, m.Kind, m.Content, m.CreatedAt)
	return err
}

// ─── helpers ───

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	sess := &types.Session{}
	var meta string
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &meta, &sess.CreatedAt, &sess.LastActivityAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return sess, nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	m := &types.Message{}
	var role, status, meta string
	var deleted int
	err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &status, &deleted, &meta, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = types.Role(role)
	m.Status = types.MessageStatus(status)
	m.IsDeleted = deleted != 0
	if err := json.Unmarshal([]byte(meta), &m.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal message meta: %w", err)
	}
	return m, nil
}

const activitySelect = `SELECT id, user_id, session_id, type, name, is_active, start_time, end_time,
	state, goal, user_goal, assistant_goal, engagement, context_refs, message_refs, summary_memory_id
	FROM activities`

func scanActivity(row rowScanner) (*types.Activity, error) {
	a := &types.Activity{}
	var typ, state, engagement, ctxRefs, msgRefs string
	var active int
	var endTime sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &a.SessionID, &typ, &a.Name, &active, &a.StartTime, &endTime,
		&state, &a.Goal, &a.UserGoal, &a.AssistantGoal, &engagement, &ctxRefs, &msgRefs, &a.SummaryMemoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = types.ActivityType(typ)
	a.IsActive = active != 0
	if endTime.Valid {
		t := endTime.Time
		a.EndTime = &t
	}
	if err := a.UnmarshalState(state); err != nil {
		return nil, fmt.Errorf("unmarshal activity state: %w", err)
	}
	if err := json.Unmarshal([]byte(engagement), &a.Engagement); err != nil {
		return nil, fmt.Errorf("unmarshal activity engagement: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxRefs), &a.ContextRefs); err != nil {
		return nil, fmt.Errorf("unmarshal context refs: %w", err)
	}
	if err := json.Unmarshal([]byte(msgRefs), &a.MessageRefs); err != nil {
		return nil, fmt.Errorf("unmarshal message refs: %w", err)
	}
	return a, nil
}

func marshalActivityFields(a *types.Activity) (state, engagement, ctxRefs, msgRefs string, err error) {
	st, err := a.MarshalState()
	if err != nil {
		return "", "", "", "", err
	}
	eng, err := json.Marshal(a.Engagement)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal engagement: %w", err)
	}
	cr, err := json.Marshal(refsOrEmpty(a.ContextRefs))
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal context refs: %w", err)
	}
	mr, err := json.Marshal(refsOrEmpty(a.MessageRefs))
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal message refs: %w", err)
	}
	return st, string(eng), string(cr), string(mr), nil
}

func refsOrEmpty(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
