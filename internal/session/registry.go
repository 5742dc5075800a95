package session

import (
	"context"
	"sync"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/driver"
	logx "github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

// Registry owns every per-account Manager. It is constructed once at
// startup, injected into the scheduler and the telegram handlers, and
// torn down at shutdown; nothing reaches managers through package
// state.
type Registry struct {
	factory  driver.Factory
	entryURL string
	timeouts Timeouts
	log      logx.Logger

	mu       sync.Mutex
	managers map[int64]*Manager
}

func NewRegistry(factory driver.Factory, entryURL string, timeouts Timeouts, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		factory:  factory,
		entryURL: entryURL,
		timeouts: timeouts,
		log:      log,
		managers: make(map[int64]*Manager),
	}
}

// GetOrCreate returns the manager for the account, creating an idle
// (Disconnected) one on first use.
func (r *Registry) GetOrCreate(accountID int64, name string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[accountID]; ok {
		return m
	}
	m := NewManager(accountID, name, r.entryURL, r.factory, r.timeouts, r.log)
	r.managers[accountID] = m
	return m
}

// Get returns the manager for the account, or nil when none exists.
func (r *Registry) Get(accountID int64) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers[accountID]
}

// All returns a snapshot of the current managers.
func (r *Registry) All() []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}

// CloseAll releases every driver. Called once at shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, m := range r.All() {
		m.Close(ctx)
	}
	r.log.Info("all sessions closed")
}
