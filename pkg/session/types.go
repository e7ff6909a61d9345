package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by NewSession when the id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("session store closed")
	// ErrInvalidID is returned for ids that cannot name a session.
	ErrInvalidID = errors.New("invalid session id")
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one piece of multi-part message content.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ToolCall is a model-issued tool invocation recorded in history.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of a conversation. Seq is its position in the
// session's history and only ever grows.
type Message struct {
	Seq        int64         `json:"seq"`
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	// Label attributes the turn to the stage or agent that produced it.
	Label string `json:"label,omitempty"`
	// Echo is an opaque provider segment replayed verbatim on the next call.
	Echo      json.RawMessage `json:"echo,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Text returns Content, or the text parts joined when Content is empty.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// RunRecord summarizes one completed run.
type RunRecord struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Agent      string            `json:"agent"`
	Message    string            `json:"message,omitempty"`
	Inputs     map[string]any    `json:"inputs,omitempty"`
	Responses  map[string]string `json:"responses,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Session is the persisted identity of a conversation.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	Agent  string `json:"agent,omitempty"`
	// SavedPrompts caches rendered conversational stage prompts by variable name.
	SavedPrompts map[string]string `json:"saved_prompts,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// SavedPrompt returns the cached prompt for name.
func (s *Session) SavedPrompt(name string) (string, bool) {
	p, ok := s.SavedPrompts[name]
	return p, ok
}

// SavePrompt caches prompt under name.
func (s *Session) SavePrompt(name, prompt string) {
	if s.SavedPrompts == nil {
		s.SavedPrompts = make(map[string]string)
	}
	s.SavedPrompts[name] = prompt
}

// Store persists sessions, their history and their run records.
type Store interface {
	NewSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error

	GetHistory(ctx context.Context, id string) ([]Message, error)
	PushHistory(ctx context.Context, id string, msgs ...Message) error
	GetRuns(ctx context.Context, id string) ([]RunRecord, error)
	BatchPushRuns(ctx context.Context, id string, runs []RunRecord) error

	GetUserSessions(ctx context.Context, userID string) ([]*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	Close() error
}

// GetOrCreate loads id, creating it on first reference.
func GetOrCreate(ctx context.Context, st Store, id, userID string) (*Session, error) {
	s, err := st.GetSession(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	s = &Session{ID: id, UserID: userID}
	if err := st.NewSession(ctx, s); err != nil {
		if errors.Is(err, ErrSessionExists) {
			return st.GetSession(ctx, id)
		}
		return nil, err
	}
	return s, nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if id == "." || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q is a relative path", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, "\\\x00") {
		return fmt.Errorf("%w: %q contains a backslash or null byte", ErrInvalidID, id)
	}
	return nil
}

// sortRecent orders sessions most recently updated first.
func sortRecent(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}
