package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"buyme-realtime/internal/config"
	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
)

var (
	ErrBidTooLow           = errors.New("bid below minimum next bid")
	ErrInvalidAutoBidLimit = errors.New("auto-bid limit below bid amount")
)

// Client is the explicitly constructed session object owning the connection,
// room set, dispatcher, reconciler and notification center. One instance per
// page session; no process-wide mutable state.
type Client struct {
	conn          *ConnectionManager
	rooms         *RoomManager
	dispatcher    *Dispatcher
	reconciler    *Reconciler
	notifications *NotificationCenter
	fragments     domain.FragmentFetcher
	userID        string

	personalExpiry  time.Duration
	fragmentTimeout time.Duration
	log             logger.Logger

	mu                sync.RWMutex
	deltaListeners    []func(*domain.StateDelta)
	fragmentListeners []func(auctionID, html string)
}

func NewClient(cfg *config.Config, transport domain.Transport,
	fragments domain.FragmentFetcher, clock clockwork.Clock, log logger.Logger) (*Client, error) {

	conn := NewConnectionManager(transport, clock,
		cfg.Reconnect.InitialBackoff, cfg.Reconnect.MaxBackoff, log)
	rooms := NewRoomManager(conn, log)
	dispatcher := NewDispatcher(rooms, cfg.User.ID, log)
	reconciler := NewReconciler(cfg.Auction.RecentBidsLimit, log)
	notifications := NewNotificationCenter(clock, cfg.Notifications.DedupWindow,
		ExpiryPolicy{
			Routine:  cfg.Notifications.RoutineExpiry,
			Personal: cfg.Notifications.PersonalExpiry,
		}, log)

	c := &Client{
		conn:            conn,
		rooms:           rooms,
		dispatcher:      dispatcher,
		reconciler:      reconciler,
		notifications:   notifications,
		fragments:       fragments,
		userID:          cfg.User.ID,
		personalExpiry:  cfg.Notifications.PersonalExpiry,
		fragmentTimeout: cfg.Fragments.Timeout,
		log:             log,
	}

	if err := c.registerHandlers(); err != nil {
		return nil, err
	}

	conn.SetReceiveHandler(dispatcher.Dispatch)
	conn.OnReconnected(func() {
		rooms.Rejoin(context.Background())
	})
	// Joins queued before a dial completes are flushed on every Connected
	// entry; a lost connection invalidates the epoch so the desired set is
	// replayed in full after reconnect.
	conn.OnStateChange(func(_, newState domain.ConnectionState) {
		switch newState {
		case domain.StateConnected:
			rooms.Rejoin(context.Background())
		case domain.StateReconnecting, domain.StateDisconnected:
			rooms.Invalidate()
		}
	})

	return c, nil
}

// Start connects to the event source and joins the viewer's personal room.
func (c *Client) Start(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	if c.userID != "" {
		return c.rooms.Join(ctx, domain.UserRoom(c.userID))
	}
	return nil
}

// Close leaves all rooms best-effort, cancels notification timers and drops
// the connection. Mirrors page unload.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.rooms.LeaveAll(ctx)
	c.notifications.Close()
	return c.conn.Close()
}

// WatchAuction starts reconciling an auction rendered on the current page,
// seeding from the server-rendered snapshot, and joins its room.
func (c *Client) WatchAuction(ctx context.Context, snapshot domain.AuctionState) error {
	c.reconciler.Track(snapshot)
	return c.rooms.Join(ctx, domain.AuctionRoom(snapshot.AuctionID))
}

// UnwatchAuction leaves the auction room and drops its state. Used on
// navigation away from the auction page.
func (c *Client) UnwatchAuction(ctx context.Context, auctionID string) error {
	c.reconciler.Forget(auctionID)
	return c.rooms.Leave(ctx, domain.AuctionRoom(auctionID))
}

// OnDelta registers a display-update consumer. Register before Start.
func (c *Client) OnDelta(fn func(*domain.StateDelta)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltaListeners = append(c.deltaListeners, fn)
}

// OnFragment registers a consumer for refreshed question/answer HTML.
func (c *Client) OnFragment(fn func(auctionID, html string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragmentListeners = append(c.fragmentListeners, fn)
}

func (c *Client) Notifications() *NotificationCenter { return c.notifications }

func (c *Client) State() domain.ConnectionState { return c.conn.State() }

func (c *Client) OnStateChange(l StateListener) { c.conn.OnStateChange(l) }

func (c *Client) Snapshot(auctionID string) (domain.AuctionState, bool) {
	return c.reconciler.Snapshot(auctionID)
}

func (c *Client) Rooms() []domain.Room { return c.rooms.Rooms() }

func (c *Client) TrackedAuctions() []string { return c.reconciler.Tracked() }

// PlaceBid submits a bid. Obviously invalid submissions are refused locally,
// mirroring the server's checks, so they never hit the wire. The server
// still validates; this only saves a round trip.
func (c *Client) PlaceBid(ctx context.Context, auctionID string, amount float64, autoBidLimit *float64) error {
	if state, ok := c.reconciler.Snapshot(auctionID); ok {
		if state.Status.Terminal() {
			return ErrAuctionClosed
		}
		if amount < state.MinNextBid {
			return fmt.Errorf("%w: need at least %.2f", ErrBidTooLow, state.MinNextBid)
		}
	}
	if autoBidLimit != nil && *autoBidLimit < amount {
		return ErrInvalidAutoBidLimit
	}

	return c.conn.Send(ctx, &domain.OutboundMessage{
		Event: domain.MsgPlaceBid,
		Room:  domain.AuctionRoom(auctionID),
		Data: domain.PlaceBidPayload{
			AuctionID:    auctionID,
			Amount:       amount,
			AutoBidLimit: autoBidLimit,
		},
	})
}

// AskQuestion submits a question on an auction.
func (c *Client) AskQuestion(ctx context.Context, auctionID, text string) error {
	return c.conn.Send(ctx, &domain.OutboundMessage{
		Event: domain.MsgAskQuestion,
		Room:  domain.AuctionRoom(auctionID),
		Data: domain.AskQuestionPayload{
			AuctionID: auctionID,
			Text:      text,
		},
	})
}

// TestNotification pushes a synthetic notification through the normal
// pipeline. Development hook, same as the legacy test trigger.
func (c *Client) TestNotification(title, message string, severity domain.Severity, link string) NotificationHandle {
	return c.notifications.Enqueue(domain.Notification{
		Title:    title,
		Message:  message,
		Severity: severity,
		Link:     link,
	})
}

func (c *Client) registerHandlers() error {
	bindings := map[string]domain.EventHandler{
		domain.EventNewBid:           c.handleNewBid,
		domain.EventAuctionEnded:     c.handleAuctionEnded,
		domain.EventAuctionCancelled: c.handleAuctionCancelled,
		domain.EventOutbid:           c.handleOutbid,
		domain.EventAutoBid:          c.handleAutoBid,
		domain.EventAutoBidLimit:     c.handleAutoBidLimit,
		domain.EventNewQuestion:      c.handleNewQuestion,
		domain.EventNewAnswer:        c.handleNewAnswer,
		domain.EventAlertMatch:       c.handleAlertMatch,
		domain.EventNotification:     c.handleUserNotification,
	}
	for name, handler := range bindings {
		if err := c.dispatcher.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handleNewBid(event *domain.Event) error {
	var p domain.NewBidPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode new_bid: %w", err)
	}

	delta, err := c.reconciler.ApplyBid(&p)
	if err != nil {
		if errors.Is(err, ErrStaleEvent) || errors.Is(err, ErrAuctionClosed) {
			c.log.Debug("Discarded bid event", "auction_id", p.AuctionID,
				"amount", p.Amount, "reason", err)
			return nil
		}
		return err
	}
	if delta == nil {
		return nil
	}

	if p.BidderID != "" && p.BidderID == c.userID {
		c.notifications.Enqueue(domain.Notification{
			Title:    "Bid Placed",
			Message:  fmt.Sprintf("Your bid of $%.2f was placed.", p.Amount),
			Severity: domain.SeveritySuccess,
			Link:     auctionLink(p.AuctionID),
		})
	}

	c.fireDelta(delta)
	return nil
}

func (c *Client) handleAuctionEnded(event *domain.Event) error {
	var p domain.AuctionEndedPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode auction_ended: %w", err)
	}

	delta, err := c.reconciler.ApplyEnded(&p)
	if err != nil {
		if errors.Is(err, ErrAuctionClosed) {
			return nil
		}
		return err
	}
	if delta == nil {
		return nil
	}

	message := fmt.Sprintf("The auction %q has ended.", p.AuctionTitle)
	if p.Winner != "" {
		message = fmt.Sprintf("The auction %q has ended. Winner: %s.", p.AuctionTitle, p.Winner)
	}
	c.notifications.Enqueue(domain.Notification{
		Title:    "Auction Ended",
		Message:  message,
		Severity: domain.SeverityInfo,
		Link:     auctionLink(p.AuctionID),
	})

	c.fireDelta(delta)
	return nil
}

func (c *Client) handleAuctionCancelled(event *domain.Event) error {
	var p domain.AuctionCancelledPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode auction_cancelled: %w", err)
	}

	delta, err := c.reconciler.ApplyCancelled(&p)
	if err != nil {
		if errors.Is(err, ErrAuctionClosed) {
			return nil
		}
		return err
	}
	if delta == nil {
		return nil
	}

	c.notifications.Enqueue(domain.Notification{
		Title:    "Auction Cancelled",
		Message:  fmt.Sprintf("The auction %q was cancelled.", p.AuctionTitle),
		Severity: domain.SeverityWarning,
		Link:     auctionLink(p.AuctionID),
	})

	c.fireDelta(delta)
	return nil
}

// handleOutbid never touches auction state: it is a personal alert only.
func (c *Client) handleOutbid(event *domain.Event) error {
	var p domain.OutbidPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode outbid: %w", err)
	}

	c.notifications.Enqueue(domain.Notification{
		Title: "You Have Been Outbid",
		Message: fmt.Sprintf("You have been outbid on %q. New bid: $%.2f",
			p.AuctionTitle, p.NewHighestBid),
		Severity:     domain.SeverityWarning,
		Link:         auctionLink(p.AuctionID),
		ExpiresAfter: c.personalExpiry,
	})
	return nil
}

func (c *Client) handleAutoBid(event *domain.Event) error {
	var p domain.AutoBidPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode auto_bid: %w", err)
	}

	c.notifications.Enqueue(domain.Notification{
		Title: "Auto-bid Placed",
		Message: fmt.Sprintf("Your auto-bid of $%.2f was placed on %q.",
			p.Amount, p.AuctionTitle),
		Severity: domain.SeverityInfo,
		Link:     auctionLink(p.AuctionID),
	})
	return nil
}

func (c *Client) handleAutoBidLimit(event *domain.Event) error {
	var p domain.AutoBidLimitPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode auto_bid_limit: %w", err)
	}

	c.notifications.Enqueue(domain.Notification{
		Title: "Auto-bid Limit Reached",
		Message: fmt.Sprintf("Your auto-bid limit of $%.2f has been reached for %q.",
			p.Limit, p.AuctionTitle),
		Severity:     domain.SeverityWarning,
		Link:         auctionLink(p.AuctionID),
		ExpiresAfter: c.personalExpiry,
	})
	return nil
}

func (c *Client) handleNewQuestion(event *domain.Event) error {
	var p domain.NewQuestionPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode new_question: %w", err)
	}

	if _, err := c.reconciler.ApplyQuestion(&p); err != nil {
		return err
	}
	return c.refreshQuestions(p.AuctionID)
}

func (c *Client) handleNewAnswer(event *domain.Event) error {
	var p domain.NewAnswerPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode new_answer: %w", err)
	}

	if _, _, err := c.reconciler.ApplyAnswer(&p); err != nil {
		return err
	}
	return c.refreshQuestions(p.AuctionID)
}

func (c *Client) handleAlertMatch(event *domain.Event) error {
	var p domain.AlertMatchPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode alert_match: %w", err)
	}

	c.notifications.Enqueue(domain.Notification{
		Title:        "Alert Match",
		Message:      fmt.Sprintf("A new auction matches your alert: %q", p.AuctionTitle),
		Severity:     domain.SeverityInfo,
		Link:         auctionLink(p.AuctionID),
		ExpiresAfter: c.personalExpiry,
	})
	return nil
}

func (c *Client) handleUserNotification(event *domain.Event) error {
	var p domain.UserNotificationPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}

	c.notifications.Enqueue(domain.Notification{
		Title:    p.Title,
		Message:  p.Message,
		Severity: parseSeverity(p.Severity),
		Link:     p.Link,
	})
	return nil
}

// refreshQuestions fetches the server-rendered questions fragment. The fetch
// is a black box; only the trigger lives here.
func (c *Client) refreshQuestions(auctionID string) error {
	if c.fragments == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.fragmentTimeout)
	defer cancel()

	html, err := c.fragments.FetchQuestionsFragment(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("refresh questions fragment: %w", err)
	}

	c.mu.RLock()
	listeners := make([]func(string, string), len(c.fragmentListeners))
	copy(listeners, c.fragmentListeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(auctionID, html)
	}
	return nil
}

func (c *Client) fireDelta(delta *domain.StateDelta) {
	c.mu.RLock()
	listeners := make([]func(*domain.StateDelta), len(c.deltaListeners))
	copy(listeners, c.deltaListeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(delta)
	}
}

func auctionLink(auctionID string) string {
	return "/auctions/" + auctionID
}

func parseSeverity(s string) domain.Severity {
	switch domain.Severity(s) {
	case domain.SeveritySuccess, domain.SeverityWarning, domain.SeverityError:
		return domain.Severity(s)
	default:
		return domain.SeverityInfo
	}
}
