package chat

import "time"

// MessageType classifies an inbound message.
type MessageType string

const (
	MessageCommand      MessageType = "COMMAND"
	MessageQuery        MessageType = "QUERY"
	MessageResponse     MessageType = "RESPONSE"
	MessageNotification MessageType = "NOTIFICATION"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageCommand, MessageQuery, MessageResponse, MessageNotification:
		return true
	}
	return false
}

// ResponseStatus is the outcome of a dispatch.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "SUCCESS"
	ResponseError   ResponseStatus = "ERROR"
	ResponsePending ResponseStatus = "PENDING"
)

// ChatMessage is an inbound user message.
type ChatMessage struct {
	Content  string          `json:"content"`
	Type     MessageType     `json:"type"`
	Context  *SessionContext `json:"context,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// UserID returns metadata["userId"] when it is a non-empty string.
func (m ChatMessage) UserID() string {
	if v, ok := m.Metadata["userId"].(string); ok {
		return v
	}
	return ""
}

// ChatAction is a follow-up the client may perform.
type ChatAction struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Target  string         `json:"target,omitempty"`
}

// ChatResponse is the result of handling a message.
type ChatResponse struct {
	Content string          `json:"content"`
	Status  ResponseStatus  `json:"status"`
	Context *SessionContext `json:"context,omitempty"`
	Actions []ChatAction    `json:"actions,omitempty"`
}

// ErrorResponse builds an ERROR response carrying msg.
func ErrorResponse(msg string, sc *SessionContext) ChatResponse {
	return ChatResponse{Content: msg, Status: ResponseError, Context: sc}
}

// SessionContext is the per-session conversation state. History only grows.
type SessionContext struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	History   []ChatMessage  `json:"history"`
	State     map[string]any `json:"state"`
}

// NewSessionContext creates an empty context.
func NewSessionContext(sessionID, userID string, now time.Time) *SessionContext {
	if userID == "" {
		userID = AnonymousUser
	}
	return &SessionContext{
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: now,
		History:   []ChatMessage{},
		State:     map[string]any{},
	}
}

// Clone returns a copy whose history slice and state map are independent of
// sc. Message metadata and state values are shared.
func (sc *SessionContext) Clone() *SessionContext {
	if sc == nil {
		return nil
	}
	out := *sc
	out.History = append(make([]ChatMessage, 0, len(sc.History)), sc.History...)
	out.State = make(map[string]any, len(sc.State))
	for k, v := range sc.State {
		out.State[k] = v
	}
	return &out
}

// AnonymousUser is the user id for messages without metadata["userId"].
const AnonymousUser = "anonymous"
