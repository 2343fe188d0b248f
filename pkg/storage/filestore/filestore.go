// Package filestore persists documents and session snapshots as plain files.
//
// Layout under the root directory:
//
//	documents/<path>        document content
//	metadata/<path>.json    document metadata
//	sessions/<id>.json      session snapshot records
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/personakit/pkg/storage"
	"github.com/rs/zerolog"
)

const (
	documentsDir = "documents"
	metadataDir  = "metadata"
	sessionsDir  = "sessions"
)

// Config configures a Store
type Config struct {
	// Dir defaults to ~/.personakit/storage
	Dir    string
	Logger zerolog.Logger
}

// Store is a filesystem-backed storage adapter
type Store struct {
	root       string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

var _ storage.Adapter = (*Store)(nil)

// New creates the directory layout and returns a store
func New(cfg Config) (*Store, error) {
	root := cfg.Dir
	if root == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		root = filepath.Join(homeDir, ".personakit", "storage")
	}

	for _, dir := range []string{documentsDir, metadataDir, sessionsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	cfg.Logger.Info().Str("dir", root).Msg("File storage initialized")
	return &Store{
		root:       root,
		logger:     cfg.Logger,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the storage directory
func (s *Store) Root() string {
	return s.root
}

// getWriteLock gets or creates the write lock for a key
func (s *Store) getWriteLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[key]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

func (s *Store) releaseWriteLock(key string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, key)
}

func (s *Store) documentPath(p string) string {
	return filepath.Join(s.root, documentsDir, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func (s *Store) metadataPath(p string) string {
	return filepath.Join(s.root, metadataDir, filepath.FromSlash(strings.TrimPrefix(p, "/"))+".json")
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.root, sessionsDir, id+".json")
}

// writeFileAtomic writes through a temp file and renames it into place
func writeFileAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := target + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, path, content string, opts storage.SaveOptions) error {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return err
	}
	return s.save(p, content, opts)
}

func (s *Store) save(p, content string, opts storage.SaveOptions) error {
	lock := s.getWriteLock(p)
	lock.Lock()
	defer lock.Unlock()

	if err := writeFileAtomic(s.documentPath(p), []byte(content)); err != nil {
		return err
	}

	meta := storage.Metadata{
		Path:        p,
		Size:        int64(len(content)),
		ContentType: opts.ContentType,
		SessionID:   opts.SessionID,
		AgentID:     opts.AgentID,
		UpdatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := writeFileAtomic(s.metadataPath(p), data); err != nil {
		return err
	}

	s.logger.Debug().Str("path", p).Int("bytes", len(content)).Msg("Document saved")
	return nil
}

// SaveBatch validates every path before writing any. A failed write leaves
// earlier documents of the batch in place.
func (s *Store) SaveBatch(ctx context.Context, objects []storage.Object) error {
	paths := make([]string, len(objects))
	for i, obj := range objects {
		p, err := storage.NormalizePath(obj.Path)
		if err != nil {
			return err
		}
		paths[i] = p
	}

	for i, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.save(paths[i], obj.Content, obj.Options); err != nil {
			return fmt.Errorf("failed to save %s: %w", paths[i], err)
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, path string) (string, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(s.documentPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return string(data), nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(s.documentPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat document: %w", err)
	}
	return !info.IsDir(), nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return err
	}

	lock := s.getWriteLock(p)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.documentPath(p)); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if err := os.Remove(s.metadataPath(p)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", p).Msg("Failed to delete document metadata")
	}

	s.releaseWriteLock(p)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pre := storage.NormalizePrefix(prefix)
	base := filepath.Join(s.root, documentsDir)

	paths := []string{}
	err := filepath.WalkDir(base, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(full, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(base, full)
		if err != nil {
			return err
		}
		p := "/" + filepath.ToSlash(rel)
		if storage.HasPrefix(p, pre) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	sort.Strings(paths)
	return paths, nil
}

func (s *Store) GetMetadata(ctx context.Context, path string) (*storage.Metadata, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(s.documentPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat document: %w", err)
	}

	meta := storage.Metadata{Path: p, Size: info.Size(), UpdatedAt: info.ModTime().UTC()}
	data, err := os.ReadFile(s.metadataPath(p))
	if err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn().Err(err).Str("path", p).Msg("Failed to parse document metadata")
		}
	}
	return &meta, nil
}

func (s *Store) GetURL(ctx context.Context, path string) (string, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return "", err
	}

	full := s.documentPath(p)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to stat document: %w", err)
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *Store) SaveSessionState(ctx context.Context, record storage.SessionRecord) error {
	if err := storage.ValidateRecord(record); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := "session:" + record.ID
	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := writeFileAtomic(s.sessionPath(record.ID), data); err != nil {
		return err
	}

	s.logger.Debug().Str("session_id", record.ID).Str("status", record.Status).Msg("Session saved")
	return nil
}

func (s *Store) LoadSessionState(ctx context.Context, id string) (*storage.SessionRecord, error) {
	if err := storage.ValidateSessionID(id); err != nil {
		return nil, err
	}
	return s.readRecord(s.sessionPath(id))
}

func (s *Store) readRecord(file string) (*storage.SessionRecord, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var record storage.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &record, nil
}

// ListSessions skips unreadable files with a warning
func (s *Store) ListSessions(ctx context.Context, filter storage.ListFilter) ([]storage.SessionInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []storage.SessionInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := []storage.SessionInfo{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		record, err := s.readRecord(filepath.Join(s.root, sessionsDir, name))
		if err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("Skipping unreadable session file")
			continue
		}
		if filter.Matches(record.SessionInfo) {
			infos = append(infos, record.SessionInfo)
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := storage.ValidateSessionID(id); err != nil {
		return err
	}

	key := "session:" + id
	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.sessionPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.releaseWriteLock(key)
	s.logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// Close drops the write locks
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
