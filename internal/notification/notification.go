package notification

import (
	"context"
	"log/slog"
	"sync"
)

const (
	KindWithdrawalCommitted = "withdrawal_committed"
	KindWithdrawalReversed  = "withdrawal_reversed"
	KindLockImposed         = "lock_imposed"
	// KindIntegrityAlert is raised when a replay disagrees with the cached
	// balance. Operators must reconcile the account by hand.
	KindIntegrityAlert = "integrity_alert"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger. Integrity alerts are
// written at error level.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	level := slog.LevelInfo
	if message.Kind == KindIntegrityAlert {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Recorder keeps every message in memory. Tests use it to assert on alerts.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Count returns how many recorded messages have the given kind.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Kind == kind {
			n++
		}
	}
	return n
}
