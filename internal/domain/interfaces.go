package domain

import "context"

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventHandler consumes one inbound event. A returned error reports the
// failure of that invocation only; it never stops dispatch of other events.
type EventHandler func(event *Event) error

// Transport is one logical connection to the marketplace event source. The
// connection manager owns redial; implementations only fail fast.
type Transport interface {
	Dial(ctx context.Context) error
	Send(ctx context.Context, msg *OutboundMessage) error
	// Receive blocks until the next inbound event or transport failure.
	Receive(ctx context.Context) (*Event, error)
	Close() error
}

// MembershipChecker answers whether the client currently wants a room's
// events. The dispatcher uses it to drop events for rooms we left.
type MembershipChecker interface {
	IsMember(room Room) bool
}

// FragmentFetcher retrieves refreshed question/answer HTML for an auction.
// The rendering of that HTML is outside this module.
type FragmentFetcher interface {
	FetchQuestionsFragment(ctx context.Context, auctionID string) (string, error)
}
