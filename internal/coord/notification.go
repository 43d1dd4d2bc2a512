package coord

import (
	"context"
	"sync"

	"github.com/npiesco/absurder-sql-sub002/internal/logging"
)

// NotificationType tags the typed broadcast variants.
type NotificationType string

const (
	// NotifyDataChanged is emitted after a successful sync.
	NotifyDataChanged NotificationType = "DataChanged"

	// NotifySchemaChanged is emitted after a DDL statement commits.
	NotifySchemaChanged NotificationType = "SchemaChanged"

	// NotifyLeaderChanged is emitted after a lease transition.
	NotifyLeaderChanged NotificationType = "LeaderChanged"
)

// Notification is the single tagged variant carried for all three types,
// rather than per-type listener interfaces.
type Notification struct {
	Type        NotificationType `json:"type"`
	DBName      string           `json:"db_name"`
	TimestampMS int64            `json:"timestamp_ms"`
	NewLeader   string           `json:"new_leader,omitempty"`
}

// Handler processes notifications dispatched by the bus.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the notification types this handler processes.
	Handles() []NotificationType

	// Handle processes one notification. Returning an error logs a warning
	// but does not stop the handler chain.
	Handle(ctx context.Context, n Notification) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerID string
	Types     []NotificationType
	Fn        func(ctx context.Context, n Notification) error
}

func (h HandlerFunc) ID() string { return h.HandlerID }

func (h HandlerFunc) Handles() []NotificationType { return h.Types }

func (h HandlerFunc) Handle(ctx context.Context, n Notification) error {
	return h.Fn(ctx, n)
}

// Bus dispatches notifications to registered handlers. Handler errors are
// logged and do not stop the chain.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds a handler to the bus.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a handler by ID. Returns true if a handler was removed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch sends a notification to every handler that handles its type.
func (b *Bus) Dispatch(ctx context.Context, n Notification) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	log := logging.WithComponent("coord.bus")
	for _, h := range handlers {
		if !handlerWants(h, n.Type) {
			continue
		}
		if err := h.Handle(ctx, n); err != nil {
			log.Warn().Err(err).Str("handler", h.ID()).Str("type", string(n.Type)).Msg("notification handler failed")
		}
	}
}

func handlerWants(h Handler, t NotificationType) bool {
	types := h.Handles()
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
