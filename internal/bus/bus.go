package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives the payload published on a topic. Payload types are fixed
// by convention per topic: a sample batch, a config view, or a host id.
type Handler func(payload any)

// Bus is a process-wide named-topic pub/sub with synchronous fan-out.
// Handlers run on the emitting goroutine, outside the bus lock, so a handler
// may call back into On or Emit without deadlocking.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
}

func New() *Bus {
	return &Bus{subscribers: make(map[string][]Handler)}
}

// On appends h to the subscriber list for topic. Registering the same handler
// twice yields two invocations per Emit.
func (b *Bus) On(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// Emit invokes every subscriber of topic in registration order. The list is
// snapshotted under the lock and invoked outside it; a subscriber registered
// during fan-out sees only later emits. A panicking subscriber is logged and
// skipped, the rest of the fan-out continues.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.Lock()
	snapshot := make([]Handler, len(b.subscribers[topic]))
	copy(snapshot, b.subscribers[topic])
	b.mu.Unlock()

	for _, h := range snapshot {
		invoke(topic, h, payload)
	}
}

func invoke(topic string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("topic", topic).Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	h(payload)
}
