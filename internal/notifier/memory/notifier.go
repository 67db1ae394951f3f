// Package memory contains an in-memory alert notifier for tests.
package memory

import (
	"context"
	"sync"

	"github.com/seoscope/seoscope/internal/alerts"
)

// Notifier records delivered alert events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []alerts.Event
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event alerts.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded deliveries.
func (n *Notifier) Events() []alerts.Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]alerts.Event, len(n.events))
	copy(out, n.events)
	return out
}
