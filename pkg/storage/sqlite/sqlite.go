// Package sqlite stores documents and session snapshots in a SQLite database
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/personakit/pkg/storage"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Config configures a Store
type Config struct {
	// DBPath is a file path or ":memory:"
	DBPath string
	Logger zerolog.Logger
}

// Store is a SQLite-backed storage adapter
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ storage.Adapter = (*Store)(nil)

// New opens the database and creates the schema
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("SQLite storage initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			path TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			size INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_session ON documents(session_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			state BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

const upsertDocument = `
	INSERT INTO documents (path, content, size, content_type, session_id, agent_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		content = excluded.content,
		size = excluded.size,
		content_type = excluded.content_type,
		session_id = excluded.session_id,
		agent_id = excluded.agent_id,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveDocument(ctx context.Context, db execer, p, content string, opts storage.SaveOptions) error {
	_, err := db.ExecContext(ctx, upsertDocument,
		p, content, len(content), opts.ContentType, opts.SessionID, opts.AgentID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, path, content string, opts storage.SaveOptions) error {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return err
	}
	return saveDocument(ctx, s.db, p, content, opts)
}

// SaveBatch writes all documents in one transaction
func (s *Store) SaveBatch(ctx context.Context, objects []storage.Object) error {
	paths := make([]string, len(objects))
	for i, obj := range objects {
		p, err := storage.NormalizePath(obj.Path)
		if err != nil {
			return err
		}
		paths[i] = p
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, obj := range objects {
		if err := saveDocument(ctx, tx, paths[i], obj.Content, obj.Options); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, path string) (string, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return "", err
	}

	var content string
	err = s.db.QueryRowContext(ctx, "SELECT content FROM documents WHERE path = ?", p).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load document: %w", err)
	}
	return content, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return false, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE path = ?", p).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE path = ?", p)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pre := storage.NormalizePrefix(prefix)

	rows, err := s.db.QueryContext(ctx, "SELECT path FROM documents ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if storage.HasPrefix(p, pre) {
			paths = append(paths, p)
		}
	}
	return paths, rows.Err()
}

func (s *Store) GetMetadata(ctx context.Context, path string) (*storage.Metadata, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return nil, err
	}

	meta := storage.Metadata{Path: p}
	var updated int64
	err = s.db.QueryRowContext(ctx,
		"SELECT size, content_type, session_id, agent_id, updated_at FROM documents WHERE path = ?", p,
	).Scan(&meta.Size, &meta.ContentType, &meta.SessionID, &meta.AgentID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	meta.UpdatedAt = time.Unix(0, updated).UTC()
	return &meta, nil
}

func (s *Store) GetURL(ctx context.Context, path string) (string, error) {
	ok, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", storage.ErrNotFound
	}
	p, _ := storage.NormalizePath(path)
	return "sqlite://documents" + p, nil
}

func (s *Store) SaveSessionState(ctx context.Context, record storage.SessionRecord) error {
	if err := storage.ValidateRecord(record); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, kind, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			kind = excluded.kind,
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		record.ID, record.AgentID, record.Kind, record.Status, []byte(record.State), record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) LoadSessionState(ctx context.Context, id string) (*storage.SessionRecord, error) {
	if err := storage.ValidateSessionID(id); err != nil {
		return nil, err
	}

	var record storage.SessionRecord
	var state []byte
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, agent_id, kind, status, state, updated_at FROM sessions WHERE id = ?", id,
	).Scan(&record.ID, &record.AgentID, &record.Kind, &record.Status, &state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	record.State = state
	record.UpdatedAt = time.Unix(0, updated).UTC()
	return &record, nil
}

func (s *Store) ListSessions(ctx context.Context, filter storage.ListFilter) ([]storage.SessionInfo, error) {
	query := "SELECT id, agent_id, kind, status, updated_at FROM sessions WHERE 1=1"
	var args []any
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	infos := []storage.SessionInfo{}
	for rows.Next() {
		var info storage.SessionInfo
		var updated int64
		if err := rows.Scan(&info.ID, &info.AgentID, &info.Kind, &info.Status, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updated).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := storage.ValidateSessionID(id); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireAffected(result)
}

func (s *Store) Close() error {
	return s.db.Close()
}
