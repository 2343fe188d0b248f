// Package memory is a process-local storage backend for tests and ephemeral runs
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/harun/personakit/pkg/storage"
)

type document struct {
	content string
	meta    storage.Metadata
}

// Store keeps documents and snapshots in maps
type Store struct {
	mu       sync.RWMutex
	docs     map[string]document
	sessions map[string]storage.SessionRecord
	now      func() time.Time
}

var _ storage.Adapter = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		docs:     make(map[string]document),
		sessions: make(map[string]storage.SessionRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Save(ctx context.Context, path, content string, opts storage.SaveOptions) error {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(p, content, opts)
	return nil
}

func (s *Store) saveLocked(p, content string, opts storage.SaveOptions) {
	s.docs[p] = document{
		content: content,
		meta: storage.Metadata{
			Path:        p,
			Size:        int64(len(content)),
			ContentType: opts.ContentType,
			SessionID:   opts.SessionID,
			AgentID:     opts.AgentID,
			UpdatedAt:   s.now(),
		},
	}
}

// SaveBatch validates every path before writing any
func (s *Store) SaveBatch(ctx context.Context, objects []storage.Object) error {
	paths := make([]string, len(objects))
	for i, obj := range objects {
		p, err := storage.NormalizePath(obj.Path)
		if err != nil {
			return err
		}
		paths[i] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, obj := range objects {
		s.saveLocked(paths[i], obj.Content, obj.Options)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, path string) (string, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[p]
	if !ok {
		return "", storage.ErrNotFound
	}
	return doc.content, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[p]
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[p]; !ok {
		return storage.ErrNotFound
	}
	delete(s.docs, p)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pre := storage.NormalizePrefix(prefix)

	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.docs))
	for p := range s.docs {
		if storage.HasPrefix(p, pre) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Store) GetMetadata(ctx context.Context, path string) (*storage.Metadata, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[p]
	if !ok {
		return nil, storage.ErrNotFound
	}
	meta := doc.meta
	return &meta, nil
}

func (s *Store) GetURL(ctx context.Context, path string) (string, error) {
	p, err := storage.NormalizePath(path)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.docs[p]; !ok {
		return "", storage.ErrNotFound
	}
	return "memory://" + p, nil
}

func (s *Store) SaveSessionState(ctx context.Context, record storage.SessionRecord) error {
	if err := storage.ValidateRecord(record); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now()
	}
	record.State = append(json.RawMessage(nil), record.State...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.ID] = record
	return nil
}

func (s *Store) LoadSessionState(ctx context.Context, id string) (*storage.SessionRecord, error) {
	if err := storage.ValidateSessionID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	record.State = append(json.RawMessage(nil), record.State...)
	return &record, nil
}

func (s *Store) ListSessions(ctx context.Context, filter storage.ListFilter) ([]storage.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]storage.SessionInfo, 0, len(s.sessions))
	for _, record := range s.sessions {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}
