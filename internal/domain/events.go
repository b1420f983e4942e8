package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type RoomKind string

const (
	RoomAuction RoomKind = "auction"
	RoomUser    RoomKind = "user"
)

// Room identifies a topic-scoped subscription on the event channel.
type Room struct {
	Kind RoomKind `json:"kind"`
	ID   string   `json:"id"`
}

func AuctionRoom(auctionID string) Room {
	return Room{Kind: RoomAuction, ID: auctionID}
}

func UserRoom(userID string) Room {
	return Room{Kind: RoomUser, ID: userID}
}

func (r Room) String() string {
	return fmt.Sprintf("%s_%s", r.Kind, r.ID)
}

// Inbound event names. The server's socket handler module is authoritative
// where the legacy client files disagreed.
const (
	EventNewBid           = "new_bid"
	EventAuctionEnded     = "auction_ended"
	EventAuctionCancelled = "auction_cancelled"
	EventNewQuestion      = "new_question"
	EventNewAnswer        = "new_answer"
	EventOutbid           = "outbid_notification"
	EventAutoBid          = "auto_bid"
	EventAutoBidLimit     = "auto_bid_limit"
	EventAlertMatch       = "alert_match"
	EventNotification     = "notification"
)

// Outbound message names.
const (
	MsgJoinAuction   = "join_auction"
	MsgLeaveAuction  = "leave_auction"
	MsgJoinUserRoom  = "join_user_room"
	MsgLeaveUserRoom = "leave_user_room"
	MsgPlaceBid      = "place_bid"
	MsgAskQuestion   = "ask_question"
)

// Event is a single inbound message from the event channel. Immutable once
// received; payload decoding is deferred to the handler that consumes it.
type Event struct {
	Name string          `json:"event"`
	Room Room            `json:"room"`
	Data json.RawMessage `json:"data"`
}

// OutboundMessage is a client-to-server message on the event channel.
type OutboundMessage struct {
	Event string      `json:"event"`
	Room  Room        `json:"room"`
	Data  interface{} `json:"data,omitempty"`
}

// JoinMessage builds the join request for a room.
func JoinMessage(room Room) *OutboundMessage {
	name := MsgJoinAuction
	if room.Kind == RoomUser {
		name = MsgJoinUserRoom
	}
	return &OutboundMessage{Event: name, Room: room}
}

// LeaveMessage builds the leave request for a room.
func LeaveMessage(room Room) *OutboundMessage {
	name := MsgLeaveAuction
	if room.Kind == RoomUser {
		name = MsgLeaveUserRoom
	}
	return &OutboundMessage{Event: name, Room: room}
}

// Inbound payloads.

type NewBidPayload struct {
	AuctionID      string    `json:"auction_id"`
	Amount         float64   `json:"amount"`
	BidderID       string    `json:"bidder_id"`
	BidderUsername string    `json:"bidder_username"`
	PlacedAt       time.Time `json:"placed_at"`
	IsAutoBid      bool      `json:"is_auto_bid"`
}

type AuctionEndedPayload struct {
	AuctionID    string `json:"auction_id"`
	AuctionTitle string `json:"auction_title"`
	Winner       string `json:"winner,omitempty"`
}

type AuctionCancelledPayload struct {
	AuctionID    string `json:"auction_id"`
	AuctionTitle string `json:"auction_title"`
}

type OutbidPayload struct {
	AuctionID     string  `json:"auction_id"`
	AuctionTitle  string  `json:"auction_title"`
	YourBid       float64 `json:"your_bid"`
	NewHighestBid float64 `json:"new_highest_bid"`
}

type AutoBidPayload struct {
	AuctionID    string  `json:"auction_id"`
	AuctionTitle string  `json:"auction_title"`
	Amount       float64 `json:"amount"`
}

type AutoBidLimitPayload struct {
	AuctionID    string  `json:"auction_id"`
	AuctionTitle string  `json:"auction_title"`
	Limit        float64 `json:"limit"`
}

type NewQuestionPayload struct {
	AuctionID     string    `json:"auction_id"`
	QuestionID    string    `json:"question_id"`
	Text          string    `json:"text"`
	AskerUsername string    `json:"asker_username"`
	AskedAt       time.Time `json:"asked_at"`
}

type NewAnswerPayload struct {
	AuctionID        string    `json:"auction_id"`
	QuestionID       string    `json:"question_id"`
	Text             string    `json:"text"`
	AnswererUsername string    `json:"answerer_username"`
	AnsweredAt       time.Time `json:"answered_at"`
}

type AlertMatchPayload struct {
	AuctionID    string `json:"auction_id"`
	AuctionTitle string `json:"auction_title"`
}

type UserNotificationPayload struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Link     string `json:"link,omitempty"`
}

// Outbound payloads.

type PlaceBidPayload struct {
	AuctionID    string   `json:"auction_id"`
	Amount       float64  `json:"amount"`
	AutoBidLimit *float64 `json:"auto_bid_limit,omitempty"`
}

type AskQuestionPayload struct {
	AuctionID string `json:"auction_id"`
	Text      string `json:"text"`
}
