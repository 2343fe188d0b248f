package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

var extensions = []string{".md", ".yaml", ".yml"}

// Source resolves agent ids to definitions
type Source interface {
	Load(agentID string) (*Definition, error)
}

// Config configures a directory loader
type Config struct {
	Dir    string
	Logger zerolog.Logger
}

// Loader reads definitions from a directory and caches them by id
type Loader struct {
	dir     string
	logger  zerolog.Logger
	cache   map[string]*Definition
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewLoader creates a loader for dir
func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("agents directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open agents directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agents path is not a directory: %s", cfg.Dir)
	}

	return &Loader{
		dir:    cfg.Dir,
		logger: cfg.Logger,
		cache:  make(map[string]*Definition),
	}, nil
}

// Load returns the definition for agentID, reading it on first use
func (l *Loader) Load(agentID string) (*Definition, error) {
	if agentID == "" || strings.ContainsAny(agentID, "/\\") || strings.Contains(agentID, "..") {
		return nil, fmt.Errorf("%w: invalid agent id %q", ErrAgentNotFound, agentID)
	}

	l.mu.RLock()
	def, ok := l.cache[agentID]
	l.mu.RUnlock()
	if ok {
		return def, nil
	}

	path, err := l.resolve(agentID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent definition: %w", err)
	}

	def, err = Parse(data, path)
	if err != nil {
		return nil, err
	}
	if def.Agent.ID != agentID {
		l.logger.Warn().
			Str("requested", agentID).
			Str("declared", def.Agent.ID).
			Msg("Agent id differs from file name")
	}

	l.mu.Lock()
	l.cache[agentID] = def
	l.mu.Unlock()

	l.logger.Debug().Str("agent_id", agentID).Str("path", path).Msg("Agent definition loaded")
	return def, nil
}

func (l *Loader) resolve(agentID string) (string, error) {
	for _, ext := range extensions {
		path := filepath.Join(l.dir, agentID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

// List returns the ids of all definition files in the directory
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Invalidate drops a cached definition
func (l *Loader) Invalidate(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, agentID)
}

// Watch invalidates cached definitions when their files change
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch agents directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.eventLoop()

	l.logger.Info().Str("path", l.dir).Msg("Agent definition watcher started")
	return nil
}

func (l *Loader) eventLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !isDefinitionFile(name) {
				continue
			}
			id := strings.TrimSuffix(name, filepath.Ext(name))
			l.Invalidate(id)
			l.logger.Debug().Str("agent_id", id).Str("op", event.Op.String()).Msg("Agent definition changed")

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")

		case <-l.done:
			return
		}
	}
}

// Close stops the watcher if running
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		if l.watcher == nil {
			return
		}
		close(l.done)
		err = l.watcher.Close()
	})
	return err
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// StaticSource serves definitions held in memory
type StaticSource struct {
	defs map[string]*Definition
}

// NewStaticSource creates a source from definitions keyed by their ids
func NewStaticSource(defs ...*Definition) *StaticSource {
	s := &StaticSource{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		s.defs[d.ID()] = d
	}
	return s
}

// Load implements Source
func (s *StaticSource) Load(agentID string) (*Definition, error) {
	if def, ok := s.defs[agentID]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

// IsNotFound reports whether err means the agent does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound)
}
