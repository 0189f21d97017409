package sandbox

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/switchboard/internal/types"
)

// Task is the payload handed to the in-sandbox agent daemon.
type Task struct {
	ID        string              `json:"id"`
	Model     string              `json:"model"`
	Messages  []types.ChatMessage `json:"messages"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// Agent event types as emitted by the in-sandbox daemon.
const (
	EventThinking = "thinking"
	EventOutput   = "output"
	EventFile     = "file"
	EventComplete = "complete"
	EventFailed   = "failed"
)

// AgentEvent is one native event from a sandbox run.
type AgentEvent struct {
	Type    string      `json:"type"`
	Text    string      `json:"text,omitempty"`
	File    *FileOutput `json:"file,omitempty"`
	Message string      `json:"message,omitempty"`
	Usage   *TaskUsage  `json:"usage,omitempty"`
}

// Terminal reports whether the event ends the run.
func (e *AgentEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventFailed
}

// FileOutput describes a file the run produced, relative to the sandbox
// workspace.
type FileOutput struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// TaskUsage carries token accounting reported on completion.
type TaskUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TaskStream reads native agent events off the task websocket. Each read is
// bounded by ReadTimeout; expiry surfaces as ErrReadTimeout so callers can
// tell a stalled run from a broken transport.
type TaskStream struct {
	conn *websocket.Conn

	// ReadTimeout bounds each Next call. Zero disables the deadline.
	ReadTimeout time.Duration
}

// NewTaskStream wraps an established task websocket.
func NewTaskStream(conn *websocket.Conn) *TaskStream {
	return &TaskStream{conn: conn}
}

// Next blocks for the next agent event.
func (s *TaskStream) Next() (*AgentEvent, error) {
	if s.ReadTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}

	var event AgentEvent
	if err := s.conn.ReadJSON(&event); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("agent event read: %w", ErrReadTimeout)
		}
		return nil, fmt.Errorf("agent event read: %w", err)
	}
	return &event, nil
}

// Close tears down the websocket.
func (s *TaskStream) Close() error {
	return s.conn.Close()
}
