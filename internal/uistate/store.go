// Package uistate is the ephemeral client-side store: a global loading flag,
// auto-dismissing notifications and named modal flags. Nothing here is
// persisted, and the package has no dependency on the session store or the
// query cache; changes in one never leak into the other.
package uistate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultNotificationDuration applies when a notification does not name its
// own. Zero means the notification stays until removed.
const DefaultNotificationDuration = 5 * time.Second

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one transient message shown to the user. Sticky
// notifications stay until removed; others auto-dismiss after Duration,
// defaulting to DefaultNotificationDuration when unset.
type Notification struct {
	ID       string
	Severity Severity
	Message  string
	Duration time.Duration
	Sticky   bool
}

type timer interface {
	Stop() bool
}

// Store holds the UI state behind one mutex.
type Store struct {
	mu            sync.Mutex
	loading       bool
	notifications []Notification
	timers        map[string]timer
	modals        map[string]bool

	// afterFunc schedules auto-dismissal; tests swap it for a manual clock.
	afterFunc func(d time.Duration, fn func()) timer
}

func New() *Store {
	return &Store{
		timers: make(map[string]timer),
		modals: make(map[string]bool),
		afterFunc: func(d time.Duration, fn func()) timer {
			return time.AfterFunc(d, fn)
		},
	}
}

// SetLoading flips the global loading flag.
func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = v
}

// Loading reports the global loading flag.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// AddNotification registers a notification and returns its generated id.
func (s *Store) AddNotification(n Notification) string {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	if n.Duration <= 0 {
		n.Duration = DefaultNotificationDuration
	}
	if n.Sticky {
		n.Duration = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	if !n.Sticky {
		id := n.ID
		s.timers[id] = s.afterFunc(n.Duration, func() {
			s.RemoveNotification(id)
		})
	}
	return n.ID
}

// RemoveNotification drops a notification by id. Removing an unknown id is
// a no-op.
func (s *Store) RemoveNotification(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	for i, n := range s.notifications {
		if n.ID == id {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			return
		}
	}
}

// Notifications returns a copy of the current notification list in
// insertion order.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// ClearNotifications removes everything, stopping pending timers.
func (s *Store) ClearNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.notifications = nil
}

// SetModal opens or closes a named modal. Names are free-form; a modal
// never seen before simply starts closed.
func (s *Store) SetModal(name string, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.modals[name] = true
		return
	}
	delete(s.modals, name)
}

// ModalOpen reports whether a named modal is open.
func (s *Store) ModalOpen(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modals[name]
}

// ToggleModal flips a named modal and returns its new state.
func (s *Store) ToggleModal(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modals[name] {
		delete(s.modals, name)
		return false
	}
	s.modals[name] = true
	return true
}
