// Package cancellation maps running executions to explicit cancellation
// signals that executors and retry waits observe cooperatively.
package cancellation

import (
	"context"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

// Key identifies an execution across tenants.
type Key struct {
	UserID      string
	WorkflowID  string
	ExecutionID string
}

// Signal is the cancellation token handed to everything working on one
// execution. It is safe for concurrent use and fires at most once.
type Signal struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Done is closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Cancelled reports whether the signal has fired.
func (s *Signal) Cancelled() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason given to the first Fire call.
func (s *Signal) Reason() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Fire cancels the signal. Later calls are no-ops; the first reason wins.
func (s *Signal) Fire(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Err returns a CANCELLED error once the signal has fired, nil otherwise.
func (s *Signal) Err() error {
	if !s.Cancelled() {
		return nil
	}
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
		WithDetails(map[string]any{"reason": s.Reason()})
}

// Context derives a context from parent that is cancelled when the signal fires.
// The returned CancelFunc must be called to release resources.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if s == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Registry tracks the signal of every execution active in this process.
type Registry struct {
	mu      sync.RWMutex
	signals map[Key]*Signal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{signals: make(map[Key]*Signal)}
}

// Register returns the signal for key, creating it when absent.
func (r *Registry) Register(key Key) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.signals[key]; ok {
		return s
	}
	s := NewSignal()
	r.signals[key] = s
	return s
}

// Lookup returns the signal registered for key.
func (r *Registry) Lookup(key Key) (*Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signals[key]
	return s, ok
}

// Cancel fires the signal for key. It reports false when nothing is registered.
func (r *Registry) Cancel(key Key, reason string) bool {
	s, ok := r.Lookup(key)
	if !ok {
		return false
	}
	s.Fire(reason)
	return true
}

// Remove forgets key if it still maps to s. A newer registration for the same
// key is left alone.
func (r *Registry) Remove(key Key, s *Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.signals[key]; ok && cur == s {
		delete(r.signals, key)
	}
}

// Len returns the number of registered executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signals)
}
