// Package bus implements the in-process, synchronous publish/subscribe hub
// that decouples state mutation from observation.
//
// All handlers registered for an event fire synchronously, in registration
// order, within the caller's Emit call stack. The bus carries no delivery
// guarantee beyond "called once per Emit while registered": no persistence,
// no cross-process fan-out. That complexity belongs to the transport layer.
package bus

import (
	"sync"
)

// Handler receives the payload published with an event.
type Handler func(payload any)

// Token identifies a registered handler so it can be removed later.
// Go functions are not comparable, so Off takes the token returned by On.
type Token int

type subscriber struct {
	token   Token
	handler Handler
}

// Bus is a synchronous event hub. Construct one per application context and
// inject it; there is no package-level default instance.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string][]subscriber
	nextToken Token
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]subscriber),
	}
}

// On registers handler for event and returns a token for Off.
func (b *Bus) On(event string, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken++
	token := b.nextToken
	b.handlers[event] = append(b.handlers[event], subscriber{token: token, handler: handler})
	return token
}

// Off removes the handler registered under token for event. Unknown tokens
// are ignored.
func (b *Bus) Off(event string, token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[event]
	for i, s := range subs {
		if s.token == token {
			b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler registered for event, in registration order,
// before returning. Handlers registered or removed during an Emit do not
// affect the current delivery.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.handlers[event]))
	copy(subs, b.handlers[event])
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}
