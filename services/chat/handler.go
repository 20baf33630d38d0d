package chat

import (
	"context"
	"strings"
)

// CommandHandler is a pluggable message processor. CanHandle must not have
// side effects; it may be called for every inbound message.
type CommandHandler interface {
	CanHandle(msg ChatMessage) bool
	Handle(ctx context.Context, msg ChatMessage, sc *SessionContext) (ChatResponse, error)
}

// Matcher decides whether a handler claims a message.
type Matcher func(msg ChatMessage) bool

// HandlerFunc adapts a matcher and a function to CommandHandler.
type HandlerFunc struct {
	Name  string
	Match Matcher
	Fn    func(ctx context.Context, msg ChatMessage, sc *SessionContext) (ChatResponse, error)
}

// CanHandle implements CommandHandler. A nil Match claims nothing.
func (h HandlerFunc) CanHandle(msg ChatMessage) bool {
	return h.Match != nil && h.Match(msg)
}

// Handle implements CommandHandler.
func (h HandlerFunc) Handle(ctx context.Context, msg ChatMessage, sc *SessionContext) (ChatResponse, error) {
	return h.Fn(ctx, msg, sc)
}

// HandlerName returns h.Name, used for metric labels.
func (h HandlerFunc) HandlerName() string {
	return h.Name
}

// MatchType claims messages of type t.
func MatchType(t MessageType) Matcher {
	return func(msg ChatMessage) bool { return msg.Type == t }
}

// MatchPrefix claims messages whose trimmed content starts with prefix,
// ignoring case.
func MatchPrefix(prefix string) Matcher {
	prefix = strings.ToLower(prefix)
	return func(msg ChatMessage) bool {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(msg.Content)), prefix)
	}
}

// MatchAll claims a message only when every matcher does.
func MatchAll(matchers ...Matcher) Matcher {
	return func(msg ChatMessage) bool {
		for _, m := range matchers {
			if !m(msg) {
				return false
			}
		}
		return true
	}
}

// MatchAny claims a message when any matcher does.
func MatchAny(matchers ...Matcher) Matcher {
	return func(msg ChatMessage) bool {
		for _, m := range matchers {
			if m(msg) {
				return true
			}
		}
		return false
	}
}

type named interface {
	HandlerName() string
}

func handlerName(h CommandHandler) string {
	if n, ok := h.(named); ok && n.HandlerName() != "" {
		return n.HandlerName()
	}
	return "anonymous"
}
