package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Hook names an in-process engine notification.
type Hook string

const (
	HookMessageReceived  Hook = "message:received"
	HookContextUpdated   Hook = "context:updated"
	HookMessageProcessed Hook = "message:processed"
)

// HookEvent is the payload delivered to hook subscribers.
type HookEvent struct {
	Hook      Hook
	SessionID string
	Message   ChatMessage
	Response  *ChatResponse
	Context   *SessionContext
}

// HookFunc handles a HookEvent. Returned errors are reported to the emitter.
type HookFunc func(ctx context.Context, ev HookEvent) error

// hookSet is a synchronous pub/sub keyed by hook name. Subscribers run in
// subscription order on the emitting goroutine.
type hookSet struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Hook]map[int]HookFunc
}

func newHookSet() *hookSet {
	return &hookSet{subs: make(map[Hook]map[int]HookFunc)}
}

func (h *hookSet) on(name Hook, fn HookFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.subs[name] == nil {
		h.subs[name] = make(map[int]HookFunc)
	}
	h.subs[name][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[name], id)
		})
	}
}

func (h *hookSet) emit(ctx context.Context, ev HookEvent) error {
	h.mu.RLock()
	subs := h.subs[ev.Hook]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]HookFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, subs[id])
	}
	h.mu.RUnlock()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *hookSet) count(name Hook) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[name])
}
