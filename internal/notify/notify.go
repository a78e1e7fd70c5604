package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"pledger/pkg/domain"
)

// Notification types emitted by the engine.
const (
	TypeMilestoneActivated = "milestone_activated"
	TypeMilestoneCompleted = "milestone_completed"
	TypeRecurringCancelled = "recurring_cancelled"
)

// Notification is a fire-and-forget message to a user. Failures are logged
// by the caller and never block the triggering operation.
type Notification struct {
	UserID  domain.UserID
	Type    string
	Title   string
	Message string
	Data    map[string]any
	SentAt  time.Time
}

// Sink delivers notifications. Implementations must be safe for concurrent
// use; Send errors are advisory only.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the logger. Default sink when no broker is
// configured.
type LogSink struct {
	Log *log.Logger
}

func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.Log.Printf("notify user=%s type=%s title=%q", n.UserID, n.Type, n.Title)
	return nil
}

// CaptureSink records notifications for assertions in tests.
type CaptureSink struct {
	mu   sync.Mutex
	sent []Notification
}

func (s *CaptureSink) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

// Sent returns a snapshot of delivered notifications.
func (s *CaptureSink) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

// ByType filters captured notifications.
func (s *CaptureSink) ByType(t string) []Notification {
	var out []Notification
	for _, n := range s.Sent() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
