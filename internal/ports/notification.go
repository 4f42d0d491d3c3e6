package ports

import (
	"context"
	"time"

	"github.com/fixora/sagacore/internal/domain"
)

// EventHandler handles one published domain event
type EventHandler func(ctx context.Context, event domain.DomainEvent) error

// EventPublisher defines the interface for domain event publishing
type EventPublisher interface {
	// Publish records the event and runs every subscribed handler before returning
	Publish(ctx context.Context, event domain.DomainEvent) error
}

// EventSubscriber defines the interface for registering event handlers
type EventSubscriber interface {
	// Subscribe registers a named handler; eventType "*" receives every event
	Subscribe(eventType, name string, handler EventHandler)
}

// Notification represents a UI push message
type Notification struct {
	Type      string                 `json:"type"`
	TenantID  string                 `json:"tenant_id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Roles     []string               `json:"roles,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Notifier pushes notifications to connected clients
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Locker acquires a named lock that spans processes. The returned release func
// is safe to call once; ok is false when another holder owns the lock
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}
