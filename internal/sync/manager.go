package sync

import (
	"context"
	gosync "sync"

	"github.com/rs/zerolog"
)

// Manager owns one Coordinator per account and their goroutines.
type Manager struct {
	log zerolog.Logger

	mu      gosync.Mutex
	coords  map[string]*Coordinator
	wg      gosync.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
}

// NewManager creates an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:    log,
		coords: make(map[string]*Coordinator),
	}
}

// Register adds a coordinator. Registration after Start also launches
// its loop.
func (m *Manager) Register(c *Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.coords[c.account.ID] = c
	if m.started {
		m.launch(c)
	}
}

// Get returns the coordinator for an account, or nil.
func (m *Manager) Get(accountID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coords[accountID]
}

// Statuses snapshots every coordinator.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.coords))
	for _, c := range m.coords {
		statuses = append(statuses, c.Status())
	}
	return statuses
}

// Start launches all registered coordinators under ctx. Stop (or a
// ctx cancellation plus Stop) waits for the loops to exit.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true

	for _, c := range m.coords {
		m.launch(c)
	}
	m.log.Info().Int("accounts", len(m.coords)).Msg("sync manager started")
}

func (m *Manager) launch(c *Coordinator) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.Run(m.runCtx)
	}()
}

// SyncAll triggers an immediate cycle on every coordinator.
func (m *Manager) SyncAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coords {
		c.SyncNow()
	}
}

// Stop cancels all coordinators and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info().Msg("sync manager stopped")
}
