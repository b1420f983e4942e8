package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"buyme-realtime/internal/config"
	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFragments struct {
	mu    sync.Mutex
	html  string
	calls []string
}

func (f *fakeFragments) FetchQuestionsFragment(ctx context.Context, auctionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auctionID)
	return f.html, nil
}

func testClientConfig() *config.Config {
	return &config.Config{
		Reconnect: config.ReconnectConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		Notifications: config.NotificationsConfig{
			DedupWindow:    time.Second,
			RoutineExpiry:  5 * time.Second,
			PersonalExpiry: 15 * time.Second,
		},
		Auction:   config.AuctionConfig{RecentBidsLimit: 50},
		Fragments: config.FragmentsConfig{Timeout: time.Second},
		User:      config.UserConfig{ID: "u1"},
	}
}

func newTestClient(t *testing.T) (*Client, *fakeTransport, *fakeFragments) {
	t.Helper()

	ft := &fakeTransport{}
	frag := &fakeFragments{html: "<ul><li>q</li></ul>"}
	client, err := NewClient(testClientConfig(), ft, frag, clockwork.NewRealClock(), logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, client.Start(context.Background()))
	require.Eventually(t, func() bool {
		return client.State() == domain.StateConnected
	}, time.Second, 5*time.Millisecond)

	t.Cleanup(func() { client.Close() })
	return client, ft, frag
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func pushBid(t *testing.T, ft *fakeTransport, auctionID string, amount float64, bidder string) {
	t.Helper()
	ft.push(&domain.Event{
		Name: domain.EventNewBid,
		Room: domain.AuctionRoom(auctionID),
		Data: mustJSON(t, &domain.NewBidPayload{
			AuctionID: auctionID,
			Amount:    amount,
			BidderID:  bidder,
			PlacedAt:  time.Now(),
		}),
	})
}

type deltaRecorder struct {
	mu     sync.Mutex
	deltas []*domain.StateDelta
}

func (r *deltaRecorder) record(delta *domain.StateDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
}

func (r *deltaRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas)
}

func openAuction(id string) domain.AuctionState {
	return domain.AuctionState{
		AuctionID:    id,
		Title:        "Vintage Clock",
		CurrentPrice: 100,
		Increment:    5,
		Status:       domain.AuctionOpen,
	}
}

func TestClient_StartJoinsUserRoom(t *testing.T) {
	client, ft, _ := newTestClient(t)

	require.Eventually(t, func() bool {
		return countJoins(ft.sentMessages(), domain.UserRoom("u1")) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, client.Rooms(), domain.UserRoom("u1"))

	// However the startup join raced the Connected replay, it went out
	// exactly once on this connection.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, countJoins(ft.sentMessages(), domain.UserRoom("u1")))
}

func TestClient_BidEventUpdatesState(t *testing.T) {
	client, ft, _ := newTestClient(t)

	recorder := &deltaRecorder{}
	client.OnDelta(recorder.record)
	require.NoError(t, client.WatchAuction(context.Background(), openAuction("a1")))

	// Stale bid below the current price never reaches the display layer.
	pushBid(t, ft, "a1", 90, "bob")
	pushBid(t, ft, "a1", 110, "bob")

	require.Eventually(t, func() bool {
		state, ok := client.Snapshot("a1")
		return ok && state.CurrentPrice == 110
	}, time.Second, 5*time.Millisecond)

	state, _ := client.Snapshot("a1")
	assert.Equal(t, 115.0, state.MinNextBid)
	assert.Equal(t, 1, state.BidCount)
	assert.Equal(t, 1, recorder.count())
}

func TestClient_DuplicateBidDeliveryAppliesOnce(t *testing.T) {
	client, ft, _ := newTestClient(t)

	recorder := &deltaRecorder{}
	client.OnDelta(recorder.record)
	require.NoError(t, client.WatchAuction(context.Background(), openAuction("a1")))

	pushBid(t, ft, "a1", 110, "bob")
	pushBid(t, ft, "a1", 110, "bob")
	// Marker bid; once its delta lands both duplicates have been processed.
	pushBid(t, ft, "a1", 120, "carol")

	require.Eventually(t, func() bool {
		state, ok := client.Snapshot("a1")
		return ok && state.CurrentPrice == 120
	}, time.Second, 5*time.Millisecond)

	state, _ := client.Snapshot("a1")
	assert.Equal(t, 2, state.BidCount)
	assert.Equal(t, 2, recorder.count())
}

func TestClient_AuctionEndedIsTerminal(t *testing.T) {
	client, ft, _ := newTestClient(t)
	require.NoError(t, client.WatchAuction(context.Background(), openAuction("a1")))

	ft.push(&domain.Event{
		Name: domain.EventAuctionEnded,
		Room: domain.AuctionRoom("a1"),
		Data: mustJSON(t, &domain.AuctionEndedPayload{
			AuctionID:    "a1",
			AuctionTitle: "Vintage Clock",
			Winner:       "alice",
		}),
	})

	require.Eventually(t, func() bool {
		state, ok := client.Snapshot("a1")
		return ok && state.Status == domain.AuctionEnded
	}, time.Second, 5*time.Millisecond)

	state, _ := client.Snapshot("a1")
	assert.Equal(t, "alice", state.Winner)

	titles := visibleTitles(client.Notifications())
	assert.Contains(t, titles, "Auction Ended")

	// A late bid after the terminal event changes nothing.
	pushBid(t, ft, "a1", 999, "mallory")
	time.Sleep(30 * time.Millisecond)
	state, _ = client.Snapshot("a1")
	assert.Equal(t, 100.0, state.CurrentPrice)
}

func TestClient_TerminalEventForUntrackedAuctionIsQuiet(t *testing.T) {
	client, ft, _ := newTestClient(t)

	recorder := &deltaRecorder{}
	client.OnDelta(recorder.record)

	// Room membership can outlive the tracked state for a moment when the
	// page navigates away; a terminal event landing in that window is a
	// plain no-op.
	require.NoError(t, client.rooms.Join(context.Background(), domain.AuctionRoom("gone")))

	ft.push(&domain.Event{
		Name: domain.EventAuctionEnded,
		Room: domain.AuctionRoom("gone"),
		Data: mustJSON(t, &domain.AuctionEndedPayload{AuctionID: "gone", Winner: "alice"}),
	})
	ft.push(&domain.Event{
		Name: domain.EventAuctionCancelled,
		Room: domain.AuctionRoom("gone"),
		Data: mustJSON(t, &domain.AuctionCancelledPayload{AuctionID: "gone"}),
	})
	// Marker; once visible, both terminal events have been dispatched.
	ft.push(&domain.Event{
		Name: domain.EventNotification,
		Room: domain.UserRoom("u1"),
		Data: mustJSON(t, &domain.UserNotificationPayload{Title: "marker", Message: "m"}),
	})

	require.Eventually(t, func() bool {
		return len(client.Notifications().Visible()) > 0
	}, time.Second, 5*time.Millisecond)

	// No delta, no "Auction Ended"/"Auction Cancelled" notification.
	assert.Equal(t, []string{"marker"}, visibleTitles(client.Notifications()))
	assert.Equal(t, 0, recorder.count())
}

func TestClient_OutbidNotification(t *testing.T) {
	client, ft, _ := newTestClient(t)

	ft.push(&domain.Event{
		Name: domain.EventOutbid,
		Room: domain.UserRoom("u1"),
		Data: mustJSON(t, &domain.OutbidPayload{
			AuctionID:     "a1",
			AuctionTitle:  "Vintage Clock",
			NewHighestBid: 110,
		}),
	})

	require.Eventually(t, func() bool {
		return len(client.Notifications().Visible()) == 1
	}, time.Second, 5*time.Millisecond)

	visible := client.Notifications().Visible()
	assert.Equal(t, "You Have Been Outbid", visible[0].Title)
	assert.Equal(t, domain.SeverityWarning, visible[0].Severity)
	// Personal alerts outlive routine ones.
	assert.Equal(t, 15*time.Second, visible[0].ExpiresAfter)
}

func TestClient_UserEventForAnotherUserDropped(t *testing.T) {
	client, ft, _ := newTestClient(t)

	ft.push(&domain.Event{
		Name: domain.EventOutbid,
		Room: domain.UserRoom("u2"),
		Data: mustJSON(t, &domain.OutbidPayload{AuctionID: "a1", NewHighestBid: 110}),
	})
	// Marker addressed to the local user; once visible, the stray event
	// above has already been through the dispatcher.
	ft.push(&domain.Event{
		Name: domain.EventNotification,
		Room: domain.UserRoom("u1"),
		Data: mustJSON(t, &domain.UserNotificationPayload{Title: "marker", Message: "m"}),
	})

	require.Eventually(t, func() bool {
		return len(client.Notifications().Visible()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "marker", client.Notifications().Visible()[0].Title)
}

func TestClient_QuestionRefreshesFragment(t *testing.T) {
	client, ft, frag := newTestClient(t)
	require.NoError(t, client.WatchAuction(context.Background(), openAuction("a1")))

	var mu sync.Mutex
	var gotAuction, gotHTML string
	client.OnFragment(func(auctionID, html string) {
		mu.Lock()
		defer mu.Unlock()
		gotAuction, gotHTML = auctionID, html
	})

	ft.push(&domain.Event{
		Name: domain.EventNewQuestion,
		Room: domain.AuctionRoom("a1"),
		Data: mustJSON(t, &domain.NewQuestionPayload{
			AuctionID:     "a1",
			QuestionID:    "q1",
			Text:          "Does it still tick?",
			AskerUsername: "carol",
		}),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotAuction == "a1"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, frag.html, gotHTML)
	mu.Unlock()

	question, ok := client.reconciler.Question("q1")
	require.True(t, ok)
	assert.Equal(t, domain.QuestionUnanswered, question.Status)
}

func TestClient_PlaceBidValidation(t *testing.T) {
	client, ft, _ := newTestClient(t)
	require.NoError(t, client.WatchAuction(context.Background(), openAuction("a1")))

	ended := openAuction("closed")
	ended.Status = domain.AuctionEnded
	require.NoError(t, client.WatchAuction(context.Background(), ended))

	lowLimit := 50.0

	tests := []struct {
		name      string
		auctionID string
		amount    float64
		limit     *float64
		wantErr   error
	}{
		{name: "below minimum refused", auctionID: "a1", amount: 101, wantErr: ErrBidTooLow},
		{name: "closed auction refused", auctionID: "closed", amount: 500, wantErr: ErrAuctionClosed},
		{name: "auto-bid limit below amount refused", auctionID: "a1", amount: 110, limit: &lowLimit, wantErr: ErrInvalidAutoBidLimit},
		{name: "valid bid sent", auctionID: "a1", amount: 110},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(ft.sentMessages())
			err := client.PlaceBid(context.Background(), tt.auctionID, tt.amount, tt.limit)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				// Refused locally, nothing hits the wire.
				assert.Len(t, ft.sentMessages(), before)
				return
			}
			require.NoError(t, err)
			sent := ft.sentMessages()
			require.Len(t, sent, before+1)
			assert.Equal(t, domain.MsgPlaceBid, sent[before].Event)
		})
	}
}

func TestClient_AskQuestionSends(t *testing.T) {
	client, ft, _ := newTestClient(t)

	require.NoError(t, client.AskQuestion(context.Background(), "a1", "Original box?"))

	sent := ft.sentMessages()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, domain.MsgAskQuestion, last.Event)
}

func TestClient_UnwatchForgetsAuction(t *testing.T) {
	client, ft, _ := newTestClient(t)
	require.NoError(t, client.WatchAuction(context.Background(), openAuction("a1")))
	require.NoError(t, client.UnwatchAuction(context.Background(), "a1"))

	_, ok := client.Snapshot("a1")
	assert.False(t, ok)
	assert.NotContains(t, client.TrackedAuctions(), "a1")

	// Bids for an auction no longer on the page are ignored quietly.
	pushBid(t, ft, "a1", 110, "bob")
	time.Sleep(30 * time.Millisecond)
	_, ok = client.Snapshot("a1")
	assert.False(t, ok)
}

func TestClient_TestNotificationHook(t *testing.T) {
	client, _, _ := newTestClient(t)

	handle := client.TestNotification("Test", "Hello", domain.SeverityInfo, "/home")
	require.NotEqual(t, NotificationHandle(""), handle)

	titles := visibleTitles(client.Notifications())
	assert.Contains(t, titles, "Test")
}

func visibleTitles(nc *NotificationCenter) []string {
	var titles []string
	for _, n := range nc.Visible() {
		titles = append(titles, n.Title)
	}
	return titles
}
