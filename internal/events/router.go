package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc consumes a raw envelope.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Router maps event types to exactly one handler each.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: map[string]HandlerFunc{}}
}

// On registers a typed handler for E. The payload is decoded and validated
// before fn runs. Registering the same type twice panics.
func On[E Event](r *Router, fn func(ctx context.Context, env Envelope, evt E) error) {
	var zero E
	eventType := zero.EventType()
	r.handle(eventType, func(ctx context.Context, env Envelope) error {
		var evt E
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, eventType, err)
		}
		if err := validate.Struct(evt); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, eventType, err)
		}
		return fn(ctx, env, evt)
	})
}

func (r *Router) handle(eventType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[eventType]; exists {
		panic("events: duplicate handler for " + eventType)
	}
	r.handlers[eventType] = fn
}

// Dispatch delivers env to its handler.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	r.mu.RLock()
	fn, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
	return fn(ctx, env)
}

// Types lists the registered event types in order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
