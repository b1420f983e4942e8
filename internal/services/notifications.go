package services

import (
	"sync"
	"time"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// NotificationHandle identifies a live notification for dismissal.
type NotificationHandle string

// ExpiryPolicy holds the auto-removal defaults applied when a notification
// carries no explicit ExpiresAfter.
type ExpiryPolicy struct {
	Routine  time.Duration
	Personal time.Duration
}

type notificationEntry struct {
	notification domain.Notification
	status       domain.NotificationStatus
	timer        clockwork.Timer
}

type dedupKey struct {
	title   string
	message string
	link    string
}

type dedupRecord struct {
	at time.Time
	id string
}

// NotificationCenter is the sole owner of the notification queue: enqueue,
// de-duplicate, auto-expire, dismiss. The check-and-insert in Enqueue is one
// critical section, so two identical notifications racing each other still
// collapse into one.
type NotificationCenter struct {
	clock       clockwork.Clock
	dedupWindow time.Duration
	policy      ExpiryPolicy
	log         logger.Logger

	mu        sync.Mutex
	queue     []*notificationEntry // newest first
	byID      map[string]*notificationEntry
	lastSeen  map[dedupKey]dedupRecord
	onVisible []func(domain.Notification)
	onRemoved []func(domain.Notification, domain.NotificationStatus)
	closed    bool
}

func NewNotificationCenter(clock clockwork.Clock, dedupWindow time.Duration,
	policy ExpiryPolicy, log logger.Logger) *NotificationCenter {
	return &NotificationCenter{
		clock:       clock,
		dedupWindow: dedupWindow,
		policy:      policy,
		log:         log,
		byID:        make(map[string]*notificationEntry),
		lastSeen:    make(map[dedupKey]dedupRecord),
	}
}

// OnVisible registers a render callback invoked when a notification becomes
// visible. The presentation layer owns what to do with it.
func (nc *NotificationCenter) OnVisible(fn func(domain.Notification)) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.onVisible = append(nc.onVisible, fn)
}

// OnRemoved registers a callback invoked when a notification leaves the
// queue, with its terminal status.
func (nc *NotificationCenter) OnRemoved(fn func(domain.Notification, domain.NotificationStatus)) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.onRemoved = append(nc.onRemoved, fn)
}

// Enqueue adds a notification and schedules its expiry. Two notifications
// with identical title, message and link inside the dedup window collapse
// into one; the handle of the surviving notification is returned.
func (nc *NotificationCenter) Enqueue(n domain.Notification) NotificationHandle {
	nc.mu.Lock()

	if nc.closed {
		nc.mu.Unlock()
		return ""
	}

	now := nc.clock.Now()
	key := dedupKey{title: n.Title, message: n.Message, link: n.Link}
	if rec, ok := nc.lastSeen[key]; ok && now.Sub(rec.at) < nc.dedupWindow {
		if _, live := nc.byID[rec.id]; live {
			nc.mu.Unlock()
			nc.log.Debug("Collapsed duplicate notification", "title", n.Title)
			return NotificationHandle(rec.id)
		}
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = now
	if n.ExpiresAfter <= 0 {
		n.ExpiresAfter = nc.policy.Routine
	}

	entry := &notificationEntry{notification: n, status: domain.NotificationPending}
	nc.queue = append([]*notificationEntry{entry}, nc.queue...)
	nc.byID[n.ID] = entry
	nc.lastSeen[key] = dedupRecord{at: now, id: n.ID}

	id := n.ID
	entry.timer = nc.clock.AfterFunc(n.ExpiresAfter, func() {
		nc.expire(id)
	})
	entry.status = domain.NotificationVisible
	listeners := make([]func(domain.Notification), len(nc.onVisible))
	copy(listeners, nc.onVisible)
	nc.mu.Unlock()

	for _, fn := range listeners {
		fn(n)
	}
	return NotificationHandle(id)
}

// Dismiss removes a notification immediately and cancels its expiry timer so
// the later auto-removal can never fire. Dismissing an already-removed
// notification is a no-op. Dismissal never navigates.
func (nc *NotificationCenter) Dismiss(handle NotificationHandle) {
	nc.remove(string(handle), domain.NotificationDismissed)
}

// Visible returns the queue newest-first.
func (nc *NotificationCenter) Visible() []domain.Notification {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	out := make([]domain.Notification, 0, len(nc.queue))
	for _, entry := range nc.queue {
		if entry.status == domain.NotificationVisible {
			out = append(out, entry.notification)
		}
	}
	return out
}

// Close cancels every pending expiry timer. Used on session shutdown.
func (nc *NotificationCenter) Close() {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	nc.closed = true
	for _, entry := range nc.queue {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	nc.queue = nil
	nc.byID = make(map[string]*notificationEntry)
	nc.lastSeen = make(map[dedupKey]dedupRecord)
}

func (nc *NotificationCenter) expire(id string) {
	nc.remove(id, domain.NotificationExpired)
}

func (nc *NotificationCenter) remove(id string, status domain.NotificationStatus) {
	nc.mu.Lock()
	entry, ok := nc.byID[id]
	if !ok {
		nc.mu.Unlock()
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.status = status
	delete(nc.byID, id)
	key := dedupKey{
		title:   entry.notification.Title,
		message: entry.notification.Message,
		link:    entry.notification.Link,
	}
	// Enqueue only collapses onto a live notification, so the record is
	// useless once its notification is gone. Dropping it here keeps the
	// index bounded by the queue.
	if rec, ok := nc.lastSeen[key]; ok && rec.id == id {
		delete(nc.lastSeen, key)
	}
	for i, e := range nc.queue {
		if e == entry {
			nc.queue = append(nc.queue[:i], nc.queue[i+1:]...)
			break
		}
	}
	listeners := make([]func(domain.Notification, domain.NotificationStatus), len(nc.onRemoved))
	copy(listeners, nc.onRemoved)
	notification := entry.notification
	nc.mu.Unlock()

	nc.log.Debug("Notification removed", "id", id, "status", status.String())
	for _, fn := range listeners {
		fn(notification, status)
	}
}
