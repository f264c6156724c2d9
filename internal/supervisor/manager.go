package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
)

// Manager is the registry of live supervisors keyed by service id.
type Manager struct {
	mu     sync.RWMutex
	sups   map[string]*Supervisor
	logger *slog.Logger
	hooks  Hooks
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger, hooks Hooks) *Manager {
	return &Manager{
		sups:   make(map[string]*Supervisor),
		logger: logger,
		hooks:  hooks,
	}
}

// Add constructs a supervisor for the definition. Fails if the id is
// already present.
func (m *Manager) Add(def service.Definition) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sups[def.ID]; ok {
		return nil, fmt.Errorf("add %s: %w", def.ID, service.ErrDuplicateID)
	}
	sup := New(def, m.logger, m.hooks)
	m.sups[def.ID] = sup
	return sup, nil
}

// Get returns the supervisor for a service id.
func (m *Manager) Get(id string) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.sups[id]
	return sup, ok
}

// Remove stops the supervisor and removes it from the manager.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	sup, ok := m.sups[id]
	if ok {
		delete(m.sups, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("remove %s: %w", id, service.ErrNotFound)
	}
	return sup.Stop(ctx)
}

// List returns all supervisors in no particular order.
func (m *Manager) List() []*Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Supervisor, 0, len(m.sups))
	for _, sup := range m.sups {
		out = append(out, sup)
	}
	return out
}

// Match resolves a request path to the supervisor whose proxy path is the
// longest matching prefix.
func (m *Manager) Match(path string) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best    *Supervisor
		bestLen = -1
	)
	for _, sup := range m.sups {
		prefix := sup.Definition().ProxyPath
		if prefixMatches(path, prefix) && len(prefix) > bestLen {
			best = sup
			bestLen = len(prefix)
		}
	}
	return best, best != nil
}

// ProxyPaths returns the registered proxy paths, sorted. Used for the
// startup banner.
func (m *Manager) ProxyPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.sups))
	for _, sup := range m.sups {
		paths = append(paths, sup.Definition().ProxyPath)
	}
	sort.Strings(paths)
	return paths
}

// Counts returns total, running, and stopped service counts for the
// liveness endpoint. Any non-running state counts as stopped.
func (m *Manager) Counts() (total, running, stopped int) {
	for _, sup := range m.List() {
		total++
		if sup.State().Status == service.StatusRunning {
			running++
		} else {
			stopped++
		}
	}
	return total, running, stopped
}

// StopAll stops every supervisor concurrently. It returns when all have
// reached stopped or ctx's deadline elapses.
func (m *Manager) StopAll(ctx context.Context) error {
	sups := m.List()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			if err := sup.Stop(ctx); err != nil {
				m.logger.Error("failed to stop service",
					"service_id", sup.Definition().ID, "error", err)
			}
		}(sup)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop all services: %w", ctx.Err())
	}
}

// StartFromDefinitions constructs supervisors for the persisted definitions
// and starts those whose desired status is running. Start errors are logged
// and non-fatal; the boot continues.
func (m *Manager) StartFromDefinitions(ctx context.Context, defs []*service.Definition) {
	for _, def := range defs {
		sup, err := m.Add(*def)
		if err != nil {
			m.logger.Error("failed to register service", "service_id", def.ID, "error", err)
			continue
		}
		if def.DesiredStatus != service.DesiredRunning {
			continue
		}
		if err := sup.Start(ctx); err != nil {
			m.logger.Error("failed to start service at boot",
				"service_id", def.ID, "error", err)
		}
	}
}

// prefixMatches reports whether path falls under prefix at a path-segment
// boundary.
func prefixMatches(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}
