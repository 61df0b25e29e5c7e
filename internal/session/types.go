// Package session holds per-conversation state and its Redis-backed store.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/planforge/orchestrator/internal/plan"
)

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// Status is the research state machine for a session.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusResearching   Status = "researching"
	StatusConflictFound Status = "conflict_found"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
)

// Context bag keys used by the orchestrator.
const (
	ContextResearchData = "research_data"
	ContextFocusArea    = "focus_area"
)

// Message is one entry in the conversation history.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the full per-conversation record. Every mutation is persisted as a
// full read-modify-write of this record; there is no field-level concurrency.
type State struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []Message         `json:"messages"`
	Subject   string            `json:"subject,omitempty"`
	Plan      *plan.Plan        `json:"plan,omitempty"`
	Status    Status            `json:"status"`
	Context   map[string]string `json:"context"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store is the keyed session persistence contract. Implementations must
// tolerate concurrent access across distinct ids; same-id concurrent writes
// are last-write-wins.
type Store interface {
	Load(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
	ListSummaries(ctx context.Context) ([]Summary, error)
}

// AddMessage appends a message to the history, bounding its length.
func (s *State) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	const maxHistory = 100
	if len(s.Messages) > maxHistory {
		s.Messages = s.Messages[len(s.Messages)-maxHistory:]
	}
}

// RecentHistory returns up to count most recent messages in chronological
// order.
func (s *State) RecentHistory(count int) []Message {
	if len(s.Messages) <= count {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-count:]
}

// HistoryString renders the recent history for prompt injection.
func (s *State) HistoryString(count int) string {
	msgs := s.RecentHistory(count)
	if len(msgs) == 0 {
		return "No previous conversation."
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		role := "Assistant"
		if m.Role == "user" {
			role = "User"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// GetContext reads a context bag value.
func (s *State) GetContext(key string) string {
	if s.Context == nil {
		return ""
	}
	return s.Context[key]
}

// SetContext writes a context bag value.
func (s *State) SetContext(key, value string) {
	if s.Context == nil {
		s.Context = make(map[string]string)
	}
	s.Context[key] = value
}

// Summary builds the listing view of this state.
func (s *State) Summary() Summary {
	return Summary{
		ID:           s.ID,
		Subject:      s.Subject,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
	}
}
