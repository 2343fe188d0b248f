// Package storage defines the persistence contract for documents and session
// snapshots, shared by the memory, filestore and sqlite backends.
//
// Documents are keyed by a slash-separated path. Concurrent writes to the same
// path are last-writer-wins in every backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned by every operation when no backend is set up
	ErrNotConfigured = errors.New("storage not configured")

	// ErrNotFound is returned when a document or session does not exist
	ErrNotFound = errors.New("not found")
)

// SaveOptions tag a document with the session that produced it
type SaveOptions struct {
	SessionID   string
	AgentID     string
	ContentType string
}

// Object is one entry of a batch save
type Object struct {
	Path    string
	Content string
	Options SaveOptions
}

// Metadata describes a stored document
type Metadata struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionInfo is the listing view of a persisted snapshot
type SessionInfo struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionRecord is a persisted snapshot. State is opaque to storage.
type SessionRecord struct {
	SessionInfo
	State json.RawMessage `json:"state"`
}

// ListFilter narrows ListSessions; empty fields match everything
type ListFilter struct {
	Kind    string
	Status  string
	AgentID string
}

// Matches reports whether info passes the filter
func (f ListFilter) Matches(info SessionInfo) bool {
	if f.Kind != "" && f.Kind != info.Kind {
		return false
	}
	if f.Status != "" && f.Status != info.Status {
		return false
	}
	if f.AgentID != "" && f.AgentID != info.AgentID {
		return false
	}
	return true
}

// DocumentStore persists documents
type DocumentStore interface {
	Save(ctx context.Context, path, content string, opts SaveOptions) error
	SaveBatch(ctx context.Context, objects []Object) error
	Load(ctx context.Context, path string) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	GetMetadata(ctx context.Context, path string) (*Metadata, error)
	GetURL(ctx context.Context, path string) (string, error)
}

// SessionStore persists session snapshots
type SessionStore interface {
	SaveSessionState(ctx context.Context, record SessionRecord) error
	LoadSessionState(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, filter ListFilter) ([]SessionInfo, error)
	DeleteSession(ctx context.Context, id string) error
}

// Adapter is a complete storage backend
type Adapter interface {
	DocumentStore
	SessionStore
	Close() error
}

// NormalizePath cleans a document path to its canonical "/a/b" form and
// rejects paths that are empty or escape the root.
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("document path cannot be empty")
	}
	if strings.Contains(p, "\x00") {
		return "", fmt.Errorf("document path cannot contain null bytes")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("document path cannot contain '..'")
		}
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("document path cannot be the root")
	}
	return clean, nil
}

// NormalizePrefix cleans a listing prefix; empty means everything
func NormalizePrefix(prefix string) string {
	if strings.TrimSpace(prefix) == "" {
		return "/"
	}
	return path.Clean("/" + strings.ReplaceAll(prefix, "\\", "/"))
}

// HasPrefix reports whether a normalized path lies under a normalized prefix
func HasPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// ValidateSessionID rejects ids that are unsafe as file names or keys
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// ValidateRecord checks a snapshot before it is written
func ValidateRecord(record SessionRecord) error {
	if err := ValidateSessionID(record.ID); err != nil {
		return err
	}
	if len(record.State) == 0 {
		return fmt.Errorf("session %s has no state", record.ID)
	}
	if !json.Valid(record.State) {
		return fmt.Errorf("session %s state is not valid JSON", record.ID)
	}
	return nil
}

// Unconfigured is the adapter used when persistence is disabled. Every call
// fails with ErrNotConfigured.
type Unconfigured struct{}

var _ Adapter = Unconfigured{}

func (Unconfigured) Save(context.Context, string, string, SaveOptions) error {
	return ErrNotConfigured
}

func (Unconfigured) SaveBatch(context.Context, []Object) error {
	return ErrNotConfigured
}

func (Unconfigured) Load(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) Exists(context.Context, string) (bool, error) {
	return false, ErrNotConfigured
}

func (Unconfigured) Delete(context.Context, string) error {
	return ErrNotConfigured
}

func (Unconfigured) List(context.Context, string) ([]string, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) GetMetadata(context.Context, string) (*Metadata, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) GetURL(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) SaveSessionState(context.Context, SessionRecord) error {
	return ErrNotConfigured
}

func (Unconfigured) LoadSessionState(context.Context, string) (*SessionRecord, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) ListSessions(context.Context, ListFilter) ([]SessionInfo, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) DeleteSession(context.Context, string) error {
	return ErrNotConfigured
}

func (Unconfigured) Close() error {
	return nil
}

// IsConfigured reports whether a is a usable backend
func IsConfigured(a Adapter) bool {
	if a == nil {
		return false
	}
	_, disabled := a.(Unconfigured)
	return !disabled
}
