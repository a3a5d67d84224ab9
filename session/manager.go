// ABOUTME: Session manager: CRUD over sessions rooted at a data directory.
// ABOUTME: Owns the live session map; List merges live sessions with session directories on disk.
package session

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/stampede/mcp"
)

// Sentinel errors for session management.
var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// ListSource selects where List looks for sessions.
type ListSource string

const (
	SourceMemory ListSource = "memory"
	SourceFile   ListSource = "file"
	SourceAll    ListSource = "all"
)

var sessionSubdirs = []string{"memory", "mcp", "graphs", "logs"}

// Defaults are server-level settings applied to sessions that do not set
// their own.
type Defaults struct {
	Provider   string
	Model      string
	MCPServers []mcp.ServerSpec
}

// Manager owns every session under one data directory.
type Manager struct {
	root string

	mu       sync.RWMutex
	live     map[string]*Session
	defaults Defaults
}

// NewManager builds a manager rooted at dataDir, creating the sessions
// directory if needed.
func NewManager(dataDir string) (*Manager, error) {
	root := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{root: root, live: make(map[string]*Session)}, nil
}

// SetDefaults installs server-level defaults for sessions created afterwards.
func (m *Manager) SetDefaults(d Defaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = d
}

func (m *Manager) sessionDir(id string) (string, error) {
	if id == "" || filepath.Base(id) != id || id == "." || id == ".." {
		return "", fmt.Errorf("%w: invalid session id %q", ErrInvalidInput, id)
	}
	return filepath.Join(m.root, id), nil
}

// Create makes the session directory tree, persists the config, and
// registers the live session. The pool is instantiated but not started.
func (m *Manager) Create(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	dir, err := m.sessionDir(cfg.ID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = m.defaults.Provider
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = m.defaults.Model
	}
	if len(cfg.Agent.MCPServers) == 0 {
		cfg.Agent.MCPServers = append([]mcp.ServerSpec(nil), m.defaults.MCPServers...)
	}
	m.mu.RUnlock()

	cfg.applyDefaults()
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.live[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.ID)
	}
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.ID)
	}

	for _, sub := range sessionSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create session tree: %w", err)
		}
	}
	if err := saveConfig(dir, cfg); err != nil {
		return nil, err
	}

	sess := newSession(dir, cfg)
	m.live[cfg.ID] = sess
	log.Printf("component=session.manager action=created session=%s", cfg.ID)
	return sess, nil
}

// Get returns the live session, loading it from disk on first access.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.live[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	dir, err := m.sessionDir(id)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.live[id]; ok {
		return sess, nil
	}
	sess = newSession(dir, cfg)
	m.live[id] = sess
	return sess, nil
}

// List returns session configs from the requested source, most recently
// updated first.
func (m *Manager) List(source ListSource) ([]Config, error) {
	byID := make(map[string]Config)

	if source == SourceFile || source == SourceAll || source == "" {
		entries, err := os.ReadDir(m.root)
		if err != nil {
			return nil, fmt.Errorf("read sessions dir: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			cfg, err := loadConfig(filepath.Join(m.root, e.Name()))
			if err != nil {
				log.Printf("component=session.manager action=skip_unreadable session=%s err=%v", e.Name(), err)
				continue
			}
			byID[cfg.ID] = cfg
		}
	}

	if source == SourceMemory || source == SourceAll || source == "" {
		m.mu.RLock()
		for id, sess := range m.live {
			byID[id] = sess.Config()
		}
		m.mu.RUnlock()
	}

	out := make([]Config, 0, len(byID))
	for _, cfg := range byID {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// UpdateRequest carries the mutable session fields. Nil means keep.
type UpdateRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Update changes display fields only; identity and provider selection are
// immutable.
func (m *Manager) Update(id string, req UpdateRequest) (Config, error) {
	sess, err := m.Get(id)
	if err != nil {
		return Config{}, err
	}
	err = sess.update(func(cfg *Config) {
		if req.Name != nil {
			cfg.Name = *req.Name
		}
		if req.Description != nil {
			cfg.Description = *req.Description
		}
		if req.Metadata != nil {
			cfg.Metadata = req.Metadata
		}
		cfg.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return Config{}, err
	}
	return sess.Config(), nil
}

// Delete tears down the live session and removes its directory. Deleting an
// absent session succeeds.
func (m *Manager) Delete(id string) error {
	dir, err := m.sessionDir(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()

	if ok {
		if err := sess.Close(); err != nil {
			log.Printf("component=session.manager action=close_failed session=%s err=%v", id, err)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	log.Printf("component=session.manager action=deleted session=%s", id)
	return nil
}

// Close shuts down every live session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for _, sess := range m.live {
		sessions = append(sessions, sess)
	}
	m.live = make(map[string]*Session)
	m.mu.Unlock()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
