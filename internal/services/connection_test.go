package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts dial outcomes and feeds events through a channel
// that is swapped on every successful dial.
type fakeTransport struct {
	mu       sync.Mutex
	dialErrs []error
	dials    int
	events   chan *domain.Event
	sent     []*domain.OutboundMessage
}

func (t *fakeTransport) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.dialErrs) > 0 {
		err := t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]
		if err != nil {
			return err
		}
	}
	t.events = make(chan *domain.Event, 16)
	return nil
}

func (t *fakeTransport) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context) (*domain.Event, error) {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()

	select {
	case event, ok := <-events:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) push(event *domain.Event) {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	events <- event
}

// drop severs the current session; the next dial establishes a new one.
func (t *fakeTransport) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.events)
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) sentMessages() []*domain.OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.OutboundMessage(nil), t.sent...)
}

func newTestConnection(t *testing.T, ft *fakeTransport) *ConnectionManager {
	t.Helper()
	return NewConnectionManager(ft, clockwork.NewRealClock(),
		time.Millisecond, 5*time.Millisecond, logger.NewNop())
}

type transitionLog struct {
	mu          sync.Mutex
	transitions []domain.ConnectionState
	reconnects  int
}

func (l *transitionLog) onState(_, newState domain.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, newState)
}

func (l *transitionLog) onReconnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnects++
}

func (l *transitionLog) seen(state domain.ConnectionState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.transitions {
		if s == state {
			return true
		}
	}
	return false
}

func (l *transitionLog) reconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnects
}

func TestConnectionManager_FirstConnect(t *testing.T) {
	ft := &fakeTransport{}
	cm := newTestConnection(t, ft)
	defer cm.Close()

	trace := &transitionLog{}
	cm.OnStateChange(trace.onState)
	cm.OnReconnected(trace.onReconnected)

	require.NoError(t, cm.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return cm.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	assert.True(t, trace.seen(domain.StateConnecting))
	// The first connect is not a reconnect.
	assert.Equal(t, 0, trace.reconnectCount())
	assert.Equal(t, 1, ft.dialCount())
}

func TestConnectionManager_ConnectTwiceFails(t *testing.T) {
	ft := &fakeTransport{}
	cm := newTestConnection(t, ft)
	defer cm.Close()

	require.NoError(t, cm.Connect(context.Background()))
	assert.ErrorIs(t, cm.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectionManager_ReconnectsAfterDrop(t *testing.T) {
	ft := &fakeTransport{}
	cm := newTestConnection(t, ft)
	defer cm.Close()

	trace := &transitionLog{}
	cm.OnStateChange(trace.onState)
	cm.OnReconnected(trace.onReconnected)

	require.NoError(t, cm.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return cm.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	ft.drop()

	require.Eventually(t, func() bool {
		return cm.State() == domain.StateConnected && ft.dialCount() == 2
	}, time.Second, 5*time.Millisecond)

	assert.True(t, trace.seen(domain.StateReconnecting))
	assert.Equal(t, 1, trace.reconnectCount())
}

func TestConnectionManager_DialFailureRetries(t *testing.T) {
	ft := &fakeTransport{dialErrs: []error{
		errors.New("refused"),
		errors.New("refused"),
	}}
	cm := newTestConnection(t, ft)
	defer cm.Close()

	trace := &transitionLog{}
	cm.OnStateChange(trace.onState)
	cm.OnReconnected(trace.onReconnected)

	// Connect never fails even when the first dials do.
	require.NoError(t, cm.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return cm.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	assert.True(t, trace.seen(domain.StateReconnecting))
	assert.GreaterOrEqual(t, ft.dialCount(), 3)
	// Never having been connected, this is still a first connect.
	assert.Equal(t, 0, trace.reconnectCount())
}

func TestConnectionManager_SendRequiresConnection(t *testing.T) {
	ft := &fakeTransport{}
	cm := newTestConnection(t, ft)

	err := cm.Send(context.Background(), &domain.OutboundMessage{Event: domain.MsgPlaceBid})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, ft.sentMessages())
}

func TestConnectionManager_SendWhenConnected(t *testing.T) {
	ft := &fakeTransport{}
	cm := newTestConnection(t, ft)
	defer cm.Close()

	require.NoError(t, cm.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return cm.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	msg := &domain.OutboundMessage{Event: domain.MsgJoinAuction, Room: domain.AuctionRoom("a1")}
	require.NoError(t, cm.Send(context.Background(), msg))

	sent := ft.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.MsgJoinAuction, sent[0].Event)
}

func TestConnectionManager_DeliversEventsToHandler(t *testing.T) {
	ft := &fakeTransport{}
	cm := newTestConnection(t, ft)
	defer cm.Close()

	var mu sync.Mutex
	var names []string
	cm.SetReceiveHandler(func(event *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, event.Name)
		return nil
	})

	require.NoError(t, cm.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return cm.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	ft.push(&domain.Event{Name: domain.EventNewBid, Room: domain.AuctionRoom("a1")})
	ft.push(&domain.Event{Name: domain.EventAuctionEnded, Room: domain.AuctionRoom("a1")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{domain.EventNewBid, domain.EventAuctionEnded}, names)
}

func TestConnectionManager_CloseStopsReconnecting(t *testing.T) {
	ft := &fakeTransport{}
	cm := newTestConnection(t, ft)

	require.NoError(t, cm.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return cm.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, cm.Close())
	assert.Equal(t, domain.StateDisconnected, cm.State())

	dials := ft.dialCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, ft.dialCount())
}
