// ABOUTME: Live session: config, conversation context, memory store, and tool pool.
// ABOUTME: Initialization is lazy and idempotent; turn serialization uses a try-lock.
package session

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389-research/stampede/mcp"
	"github.com/2389-research/stampede/memory"
	"github.com/2389-research/stampede/services"
)

// Pool server names attached to every session.
const (
	memoryServerName   = "memory"
	serviceManagerName = "mcp_service_manager"
)

// Session is one live conversation with its owned resources.
type Session struct {
	dir string

	cfgMu sync.RWMutex
	cfg   Config

	Context *Context

	initMu      sync.Mutex
	initialized bool
	pool        *mcp.Pool
	store       *memory.Store
	svcManager  *services.Manager

	// turnMu serializes turns. Run acquires it with TryLock and fails fast
	// when a turn is already active.
	turnMu sync.Mutex
}

func newSession(dir string, cfg Config) *Session {
	return &Session{
		dir:     dir,
		cfg:     cfg,
		Context: NewContext(cfg.Agent.Instruction, cfg.Agent.MaxMessages),
		pool:    mcp.NewPool(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.ID
}

// Config returns a copy of the session's configuration.
func (s *Session) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Dir returns the session's on-disk directory.
func (s *Session) Dir() string { return s.dir }

// Pool returns the session's tool pool.
func (s *Session) Pool() *mcp.Pool { return s.pool }

// Memory returns the session's memory store, nil before initialization.
func (s *Session) Memory() *memory.Store {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.store
}

// MemoryEnabled reports whether prompt-time memory injection is on.
func (s *Session) MemoryEnabled() bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.memoryEnabled()
}

// TryBeginTurn claims the session's turn slot. It returns false when a turn
// is already running.
func (s *Session) TryBeginTurn() bool { return s.turnMu.TryLock() }

// EndTurn releases the turn slot.
func (s *Session) EndTurn() { s.turnMu.Unlock() }

// Initialize opens the memory store and starts the tool pool: the built-in
// memory and service manager servers first, then the configured external
// servers. Safe to call more than once.
func (s *Session) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}

	store, err := memory.Open(filepath.Join(s.dir, "memory", "memory.db"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}

	memServer, err := services.NewMemoryServer(store)
	if err != nil {
		_ = store.Close()
		return err
	}
	if err := s.pool.AddServer(ctx, mcp.ServerSpec{Name: memoryServerName, Inproc: memServer}); err != nil {
		_ = store.Close()
		return fmt.Errorf("attach memory server: %w", err)
	}

	svcManager, err := services.NewManager(filepath.Join(s.dir, "mcp"))
	if err != nil {
		_ = store.Close()
		return err
	}
	svcManager.SetRegistrar(s.pool)
	if err := s.pool.AddServer(ctx, mcp.ServerSpec{Name: serviceManagerName, Inproc: svcManager}); err != nil {
		_ = svcManager.Close()
		_ = store.Close()
		return fmt.Errorf("attach service manager: %w", err)
	}

	// External servers are best effort: a server that fails to come up is
	// logged and skipped, the session stays usable.
	for _, spec := range s.Config().Agent.MCPServers {
		if err := s.pool.AddServer(ctx, spec); err != nil {
			log.Printf("component=session action=server_attach_failed session=%s server=%s err=%v", s.ID(), spec.Name, err)
		}
	}

	s.store = store
	s.svcManager = svcManager
	s.initialized = true
	log.Printf("component=session action=initialized session=%s servers=%d", s.ID(), len(s.pool.ServerStates()))
	return nil
}

// update applies a config mutation and persists it.
func (s *Session) update(mutate func(*Config)) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	mutate(&s.cfg)
	return saveConfig(s.dir, s.cfg)
}

// Stats summarizes the session's live state.
type Stats struct {
	SessionID    string                   `json:"session_id"`
	MessageCount int                      `json:"message_count"`
	DiskBytes    int64                    `json:"disk_bytes"`
	Servers      map[string]mcp.ConnState `json:"servers,omitempty"`
	Memory       *memory.Stats            `json:"memory,omitempty"`
}

// Stats computes message count, disk usage, server states, and memory stats.
func (s *Session) Stats() (*Stats, error) {
	stats := &Stats{
		SessionID:    s.ID(),
		MessageCount: s.Context.Len(),
		Servers:      s.pool.ServerStates(),
	}

	err := filepath.WalkDir(s.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err == nil {
			stats.DiskBytes += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if store := s.Memory(); store != nil {
		mem, err := store.Stats()
		if err != nil {
			return nil, err
		}
		stats.Memory = mem
	}
	return stats, nil
}

// Close tears down the pool and the memory store.
func (s *Session) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	var firstErr error
	if err := s.pool.Close(); err != nil {
		firstErr = err
	}
	if s.svcManager != nil {
		if err := s.svcManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.svcManager = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.store = nil
	}
	s.initialized = false
	return firstErr
}
