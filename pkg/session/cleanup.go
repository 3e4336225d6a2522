package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/harun/platepal/pkg/commandqueue"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Cleanup evicts conversations that have been idle for too long from the
// manager's memory. Their transcripts stay cached, so the next operation
// restores them through the last-active path.
type Cleanup struct {
	manager     *Manager
	idleTimeout time.Duration
	interval    time.Duration
	stopCh      chan struct{}
	running     bool
	mu          sync.Mutex
}

// NewCleanup creates a cleanup handler for manager.
func NewCleanup(manager *Manager, idleTimeout time.Duration) *Cleanup {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	interval := DefaultSweepInterval
	if idleTimeout < interval {
		interval = idleTimeout
	}

	return &Cleanup{
		manager:     manager,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Start runs the eviction loop in the background.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}
	c.stopCh = make(chan struct{})
	c.running = true
	go c.run(c.stopCh)

	log.Info().Dur("idle_timeout", c.idleTimeout).Msg("Conversation cleanup started")
	return nil
}

// Stop ends the eviction loop.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}
	close(c.stopCh)
	c.running = false

	log.Info().Msg("Conversation cleanup stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Cleanup) run(stopCh chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupNow()
		case <-stopCh:
			return
		}
	}
}

// CleanupNow evicts idle conversations and returns how many were dropped.
// A conversation whose lane has running or queued work is never evicted.
func (c *Cleanup) CleanupNow() int {
	m := c.manager
	now := m.now()

	m.mu.RLock()
	var idle []string
	for userID, l := range m.conversations {
		if now.Sub(l.lastUsed) >= c.idleTimeout {
			idle = append(idle, userID)
		}
	}
	m.mu.RUnlock()

	evicted := 0
	for _, userID := range idle {
		lane := commandqueue.UserLane(userID)
		if m.queue.IsBusy(lane) || m.queue.QueueSize(lane) > 0 {
			continue
		}
		m.drop(userID)
		evicted++
	}

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int("loaded", m.Loaded()).Msg("Evicted idle conversations")
	}
	return evicted
}
