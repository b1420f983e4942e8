package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("connection already started")
)

// StateListener observes connection state transitions.
type StateListener func(oldState, newState domain.ConnectionState)

// ConnectionManager owns the single logical connection to the event source.
// A transport fault never surfaces as a failure to the caller; the manager
// falls into reconnecting and redials with backoff until closed.
type ConnectionManager struct {
	transport      domain.Transport
	clock          clockwork.Clock
	initialBackoff time.Duration
	maxBackoff     time.Duration
	log            logger.Logger

	mu                   sync.RWMutex
	state                domain.ConnectionState
	everConnected        bool
	started              bool
	stateListeners       []StateListener
	reconnectedListeners []func()
	receive              domain.EventHandler
	cancel               context.CancelFunc
	done                 chan struct{}
}

func NewConnectionManager(transport domain.Transport, clock clockwork.Clock,
	initialBackoff, maxBackoff time.Duration, log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		transport:      transport,
		clock:          clock,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		log:            log,
		state:          domain.StateDisconnected,
		done:           make(chan struct{}),
	}
}

// OnStateChange registers a listener for state transitions. Register before
// Connect; listeners are invoked from the connection goroutine.
func (cm *ConnectionManager) OnStateChange(l StateListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.stateListeners = append(cm.stateListeners, l)
}

// OnReconnected registers a listener fired on every Connected entry after the
// first one. The room manager uses it to replay joins.
func (cm *ConnectionManager) OnReconnected(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.reconnectedListeners = append(cm.reconnectedListeners, fn)
}

// SetReceiveHandler installs the consumer of inbound events.
func (cm *ConnectionManager) SetReceiveHandler(h domain.EventHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.receive = h
}

func (cm *ConnectionManager) State() domain.ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Connect starts the connection machinery. Dial failures do not fail the
// call; they leave the manager in reconnecting.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return ErrAlreadyConnected
	}
	cm.started = true
	runCtx, cancel := context.WithCancel(ctx)
	cm.cancel = cancel
	cm.mu.Unlock()

	cm.setState(domain.StateConnecting)
	go cm.run(runCtx)
	return nil
}

// Send forwards a message on the live transport. Returns ErrNotConnected
// while disconnected or reconnecting; callers decide whether to queue.
func (cm *ConnectionManager) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	if cm.State() != domain.StateConnected {
		return ErrNotConnected
	}
	return cm.transport.Send(ctx, msg)
}

func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	started := cm.started
	cancel := cm.cancel
	cm.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	err := cm.transport.Close()
	<-cm.done
	return err
}

func (cm *ConnectionManager) run(ctx context.Context) {
	defer close(cm.done)

	backoff := cm.initialBackoff
	for {
		if ctx.Err() != nil {
			cm.setState(domain.StateDisconnected)
			return
		}

		if err := cm.transport.Dial(ctx); err != nil {
			cm.log.Warn("Dial failed, retrying", "error", err, "backoff", backoff)
			cm.setState(domain.StateReconnecting)
			if !cm.wait(ctx, backoff) {
				cm.setState(domain.StateDisconnected)
				return
			}
			backoff = nextBackoff(backoff, cm.maxBackoff)
			continue
		}
		backoff = cm.initialBackoff

		if wasConnected := cm.markConnected(); wasConnected {
			cm.fireReconnected()
		}

		cm.readLoop(ctx)

		if ctx.Err() != nil {
			cm.setState(domain.StateDisconnected)
			return
		}

		cm.log.Warn("Connection lost, reconnecting")
		cm.setState(domain.StateReconnecting)
		if !cm.wait(ctx, backoff) {
			cm.setState(domain.StateDisconnected)
			return
		}
		backoff = nextBackoff(backoff, cm.maxBackoff)
	}
}

func (cm *ConnectionManager) readLoop(ctx context.Context) {
	for {
		event, err := cm.transport.Receive(ctx)
		if err != nil {
			return
		}
		cm.deliver(event)
	}
}

func (cm *ConnectionManager) deliver(event *domain.Event) {
	cm.mu.RLock()
	handler := cm.receive
	cm.mu.RUnlock()

	if handler == nil {
		return
	}
	if err := handler(event); err != nil {
		cm.log.Debug("Receive handler error", "event", event.Name, "error", err)
	}
}

func (cm *ConnectionManager) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-cm.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (cm *ConnectionManager) setState(newState domain.ConnectionState) {
	cm.mu.Lock()
	if cm.state == newState {
		cm.mu.Unlock()
		return
	}
	oldState := cm.state
	cm.state = newState
	listeners := make([]StateListener, len(cm.stateListeners))
	copy(listeners, cm.stateListeners)
	cm.mu.Unlock()

	cm.log.Debug("Connection state changed", "from", oldState.String(), "to", newState.String())
	for _, l := range listeners {
		l(oldState, newState)
	}
}

// markConnected transitions to connected and reports whether this is a
// reconnect rather than the first connect.
func (cm *ConnectionManager) markConnected() bool {
	cm.mu.Lock()
	oldState := cm.state
	wasConnected := cm.everConnected
	cm.everConnected = true
	cm.state = domain.StateConnected
	listeners := make([]StateListener, len(cm.stateListeners))
	copy(listeners, cm.stateListeners)
	cm.mu.Unlock()

	cm.log.Info("Connected to event source", "reconnect", wasConnected)
	for _, l := range listeners {
		l(oldState, domain.StateConnected)
	}
	return wasConnected
}

func (cm *ConnectionManager) fireReconnected() {
	cm.mu.RLock()
	listeners := make([]func(), len(cm.reconnectedListeners))
	copy(listeners, cm.reconnectedListeners)
	cm.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
