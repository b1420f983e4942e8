package domain

import "time"

type AuctionStatus int

const (
	AuctionOpen AuctionStatus = iota
	AuctionEnded
	AuctionCancelled
)

func (s AuctionStatus) String() string {
	switch s {
	case AuctionOpen:
		return "open"
	case AuctionEnded:
		return "ended"
	case AuctionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further bid event may mutate the auction.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionEnded || s == AuctionCancelled
}

type Bid struct {
	BidderID       string
	BidderUsername string
	Amount         float64
	PlacedAt       time.Time
	IsAutoBid      bool
}

// AuctionState is the client-side view of one rendered auction. The server is
// the source of truth; this state only tracks what the page displays.
// Invariant while Status is open: MinNextBid = CurrentPrice + Increment, and
// CurrentPrice never decreases.
type AuctionState struct {
	AuctionID       string
	Title           string
	CurrentPrice    float64
	Increment       float64
	MinNextBid      float64
	BidCount        int
	HighestBidderID string
	Winner          string
	Status          AuctionStatus
	RecentBids      []Bid // most recent first, bounded
}

type DeltaField string

const (
	FieldCurrentPrice  DeltaField = "current_price"
	FieldMinNextBid    DeltaField = "min_next_bid"
	FieldBidCount      DeltaField = "bid_count"
	FieldHighestBidder DeltaField = "highest_bidder"
	FieldRecentBids    DeltaField = "recent_bids"
	FieldStatus        DeltaField = "status"
	FieldWinner        DeltaField = "winner"
)

// StateDelta describes exactly which display fields changed when an event was
// applied, plus a snapshot of the state after application. The presentation
// layer decides what (if anything) to render from it.
type StateDelta struct {
	AuctionID string
	Fields    []DeltaField
	State     AuctionState
}

func (d *StateDelta) Has(field DeltaField) bool {
	for _, f := range d.Fields {
		if f == field {
			return true
		}
	}
	return false
}

type QuestionStatus int

const (
	QuestionUnanswered QuestionStatus = iota
	QuestionAnswered
)

func (s QuestionStatus) String() string {
	if s == QuestionAnswered {
		return "answered"
	}
	return "unanswered"
}

type Answer struct {
	Text             string
	AnswererUsername string
	AnsweredAt       time.Time
}

// Question is one thread on an auction page. Status transitions to answered
// exactly once, when the first answer arrives; later answers only append.
type Question struct {
	ID            string
	AuctionID     string
	Text          string
	AskerUsername string
	AskedAt       time.Time
	Status        QuestionStatus
	Answers       []Answer
}
