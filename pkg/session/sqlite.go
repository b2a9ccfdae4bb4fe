package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db           *sql.DB
	logger       *logx.Logger
	previewChars int

	clockMu sync.Mutex
	last    time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithPreviewChars sets the preview length reported by List.
func WithPreviewChars(n int) Option {
	return func(s *SQLiteStore) { s.previewChars = n }
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		logger:       logx.NewLogger("session"),
		previewChars: config.DefaultPreviewChars,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("Session database ready: %s", path)
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// now returns a strictly increasing timestamp so recency ordering is total.
func (s *SQLiteStore) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

const sessionColumns = `id, name, project_path, working_directory, provider, model,
	provider_session_id, requires_tools, archived, tags, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, extra ...any) (*Session, error) {
	var (
		sess                 Session
		requiresTools, arch  int
		tags                 string
		createdAt, updatedAt int64
	)
	dest := []any{
		&sess.ID, &sess.Name, &sess.ProjectPath, &sess.WorkingDirectory, &sess.Provider, &sess.Model,
		&sess.ProviderSessionID, &requiresTools, &arch, &tags, &createdAt, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	sess.RequiresTools = requiresTools != 0
	sess.Archived = arch != 0
	if err := json.Unmarshal([]byte(tags), &sess.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for session %s: %w", sess.ID, err)
	}
	if sess.Tags == nil {
		sess.Tags = []string{}
	}
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &sess, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Create inserts a new session with a store-generated id.
func (s *SQLiteStore) Create(ctx context.Context, p CreateParams) (*Session, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	tags, err := json.Marshal(normalizeTags(p.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}

	id := ulid.Make().String()
	ts := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, 0, ?, ?, ?)`,
		id, name, p.ProjectPath, p.WorkingDirectory, p.Provider, p.Model,
		boolInt(p.RequiresTools), string(tags), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	s.logger.Info("Created session %s (%s)", id, name)
	return s.Get(ctx, id)
}

// Get returns one session.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// List returns sessions by descending UpdatedAt with derived message count and preview.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	query := `SELECT ` + sessionColumns + `,
		(SELECT COUNT(*) FROM messages m WHERE m.session_id = sessions.id),
		COALESCE((SELECT m.content FROM messages m WHERE m.session_id = sessions.id ORDER BY m.id DESC LIMIT 1), ''),
		COALESCE((SELECT SUM(m.tokens) FROM messages m WHERE m.session_id = sessions.id), 0)
		FROM sessions`
	if !opts.IncludeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			count, tokens int
			last          string
		)
		sess, err := scanSession(rows, &count, &last, &tokens)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, Summary{
			Session:      *sess,
			MessageCount: count,
			Preview:      preview(last, s.previewChars),
			Tokens:       tokens,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// Update applies a partial change.
func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Session, error) {
	var (
		sets []string
		args []any
	)
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrValidation)
		}
		sets = append(sets, "name = ?")
		args = append(args, name)
	}
	if p.Tags != nil {
		tags, err := json.Marshal(normalizeTags(*p.Tags))
		if err != nil {
			return nil, fmt.Errorf("failed to encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tags))
	}
	if p.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *p.Model)
	}
	if p.Provider != nil {
		sets = append(sets, "provider = ?")
		args = append(args, *p.Provider)
	}
	if p.WorkingDirectory != nil {
		sets = append(sets, "working_directory = ?")
		args = append(args, *p.WorkingDirectory)
	}
	if p.ProviderSessionID != nil {
		sets = append(sets, "provider_session_id = ?")
		args = append(args, *p.ProviderSessionID)
	}
	if p.RequiresTools != nil {
		sets = append(sets, "requires_tools = ?")
		args = append(args, boolInt(*p.RequiresTools))
	}
	return s.updateColumns(ctx, id, sets, args)
}

// Archive hides a session from the default listing.
func (s *SQLiteStore) Archive(ctx context.Context, id string) (*Session, error) {
	return s.updateColumns(ctx, id, []string{"archived = 1"}, nil)
}

// Unarchive restores an archived session to the default listing.
func (s *SQLiteStore) Unarchive(ctx context.Context, id string) (*Session, error) {
	return s.updateColumns(ctx, id, []string{"archived = 0"}, nil)
}

func (s *SQLiteStore) updateColumns(ctx context.Context, id string, sets []string, args []any) (*Session, error) {
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixNano(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

// Delete removes a session and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.logger.Info("Deleted session %s", id)
	return nil
}

// AppendMessage adds a message to the end of the session's history and bumps UpdatedAt.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, m Message) (*Message, error) {
	if !m.Role.Valid() {
		return nil, fmt.Errorf("%w: invalid role %q", ErrValidation, m.Role)
	}
	images := m.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("failed to encode images: %w", err)
	}

	ts := s.now()
	m.SessionID = sessionID
	m.Timestamp = ts
	m.Tokens = utils.EstimateTokens(m.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts.UnixNano(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	res, err = tx.ExecContext(ctx, `INSERT INTO messages (session_id, role, content, tool_name, images, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(m.Role), m.Content, m.ToolName, string(imagesJSON), m.Tokens, ts.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &m, nil
}

// Messages returns the session's history in arrival order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, role, content, tool_name, images, tokens, created_at
		FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m       Message
			role    string
			images  string
			created int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.ToolName, &images, &m.Tokens, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SessionID = sessionID
		m.Role = Role(role)
		m.Timestamp = time.Unix(0, created).UTC()
		if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
			return nil, fmt.Errorf("corrupt images for message %d: %w", m.ID, err)
		}
		if len(m.Images) == 0 {
			m.Images = nil
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// DeleteMessages purges a session's history and returns how many messages were removed.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.updateColumns(ctx, sessionID, nil, nil); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted messages: %w", err)
	}
	return int(n), nil
}

var _ Store = (*SQLiteStore)(nil)
