// Package notify publishes completion notifications for batch runs.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/pkg/engine"
)

// MessageType routes a notification.
type MessageType string

const (
	TypeBatchCompleted   MessageType = "batch.completed"
	TypeRunTypeCompleted MessageType = "run_type.completed"
	TypeRunFinished      MessageType = "run.finished"
)

// Message is one notification.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage stamps a payload with a fresh id and the current time.
func NewMessage(t MessageType, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Notifier delivers messages.
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
}

// Summary condenses a RunResult for a notification payload.
type Summary struct {
	Flow       string   `json:"flow"`
	RunID      string   `json:"run_id"`
	Status     string   `json:"status"`
	Succeeded  int      `json:"succeeded"`
	Failed     []string `json:"failed,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// Summarize builds the Summary of a finished run.
func Summarize(res *engine.RunResult) Summary {
	s := Summary{
		Flow:       res.Flow,
		RunID:      res.RunID,
		Status:     string(res.Status),
		Failed:     res.Failed(),
		Skipped:    res.Skipped(),
		DurationMs: res.Duration().Milliseconds(),
	}
	s.Succeeded = len(res.Order) - len(s.Failed) - len(s.Skipped)
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	return s
}

// LogNotifier writes notifications to a logger. It is the fallback when no
// broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a LogNotifier; a nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification",
		slog.String("message_id", msg.ID),
		slog.String("type", string(msg.Type)),
		slog.Any("payload", msg.Payload),
	)
	return nil
}

// MemoryNotifier keeps published messages in memory.
type MemoryNotifier struct {
	mu       sync.Mutex
	messages []Message
}

func (n *MemoryNotifier) Publish(_ context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

// Messages returns a copy of everything published so far.
func (n *MemoryNotifier) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Message, len(n.messages))
	copy(out, n.messages)
	return out
}
