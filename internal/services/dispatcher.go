package services

import (
	"errors"
	"fmt"
	"sync"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"
)

// ErrDuplicateHandler rejects a second Register for the same event name.
// One event name, one handler: duplicate registration is how the legacy
// client ended up emitting the same alert twice.
var ErrDuplicateHandler = errors.New("handler already registered")

// Dispatcher maps inbound event names to handlers. Each name binds at most
// one handler per page session. Events for rooms the client is not a member
// of are dropped, except user-targeted events addressed to the local user.
type Dispatcher struct {
	membership  domain.MembershipChecker
	localUserID string
	log         logger.Logger

	mu       sync.RWMutex
	handlers map[string]domain.EventHandler
}

func NewDispatcher(membership domain.MembershipChecker, localUserID string, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		membership:  membership,
		localUserID: localUserID,
		log:         log,
		handlers:    make(map[string]domain.EventHandler),
	}
}

// Register binds a handler to an event name. Registering a name twice is a
// programming error and fails with ErrDuplicateHandler.
func (d *Dispatcher) Register(eventName string, handler domain.EventHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[eventName]; exists {
		return fmt.Errorf("%s: %w", eventName, ErrDuplicateHandler)
	}
	d.handlers[eventName] = handler
	return nil
}

// Dispatch routes one inbound event. Handler failures (malformed payload,
// missing field, panic) are reported through the log and never propagate:
// the next event must dispatch normally no matter what the last one did.
func (d *Dispatcher) Dispatch(event *domain.Event) error {
	if !d.accepts(event) {
		d.log.Debug("Dropping event for unjoined room",
			"event", event.Name, "room", event.Room.String())
		return nil
	}

	d.mu.RLock()
	handler, ok := d.handlers[event.Name]
	d.mu.RUnlock()

	if !ok {
		d.log.Debug("No handler for event", "event", event.Name)
		return nil
	}

	if err := d.invoke(handler, event); err != nil {
		d.log.Error("Handler failed", "event", event.Name,
			"room", event.Room.String(), "error", err)
	}
	return nil
}

func (d *Dispatcher) accepts(event *domain.Event) bool {
	if event.Room.Kind == domain.RoomUser {
		return event.Room.ID == d.localUserID
	}
	return d.membership.IsMember(event.Room)
}

func (d *Dispatcher) invoke(handler domain.EventHandler, event *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(event)
}
