package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"buyme-realtime/internal/config"
	"buyme-realtime/internal/domain"
	"buyme-realtime/internal/infrastructure/leader"
	"buyme-realtime/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
)

// Development-only traffic generator: serves the websocket edge and the
// questions fragment endpoint, runs one scripted auction, and emits the same
// events the marketplace would. Lets the live client be exercised without
// the real backend.

const (
	demoAuctionID    = "demo-auction"
	demoAuctionTitle = "Demo Auction"
	botBidderID      = "sim-bot"
	leaderTTL        = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type simQuestion struct {
	ID       string
	Text     string
	Asker    string
	AskedAt  time.Time
	Answers  []string
	Answered bool
}

type wsClient struct {
	conn   *websocket.Conn
	userID string

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (c *wsClient) joined(room domain.Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room.String()]
	return ok
}

func (c *wsClient) setJoined(room domain.Room, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.rooms[room.String()] = struct{}{}
	} else {
		delete(c.rooms, room.String())
	}
}

func (c *wsClient) send(event *domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(event)
}

type simulator struct {
	cfg *config.Config
	log logger.Logger

	rdb          *redis.Client
	eventChannel string
	elector      *leader.RedisLeaderElection
	instanceID   string

	mu              sync.Mutex
	currentPrice    float64
	increment       float64
	bidCount        int
	highestBidderID string
	endsAt          time.Time
	ended           bool
	questions       []*simQuestion
	clients         map[*wsClient]struct{}
}

func newSimulator(cfg *config.Config, log logger.Logger) *simulator {
	return &simulator{
		cfg:          cfg,
		log:          log,
		currentPrice: cfg.Simulator.StartingBid,
		increment:    cfg.Simulator.Increment,
		endsAt:       time.Now().Add(cfg.Simulator.AuctionDuration),
		clients:      make(map[*wsClient]struct{}),
	}
}

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	sim := newSimulator(cfg, log)
	log.Info("Simulated auction open", "auction_id", demoAuctionID,
		"starting_bid", sim.currentPrice, "ends_at", sim.endsAt)

	if cfg.Simulator.PublishRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		sim.rdb = rdb
		sim.eventChannel = cfg.Redis.EventChannel
		sim.elector = leader.NewRedisLeaderElection(rdb, leaderTTL)
		sim.instanceID = uuid.NewString()
		defer sim.elector.ReleaseLeadership(context.Background(), sim.instanceID)

		if ok, err := sim.elector.BecomeLeader(context.Background(), sim.instanceID); err != nil {
			log.Error("Leader election failed", "error", err)
			os.Exit(1)
		} else if ok {
			log.Info("Elected traffic leader", "instance_id", sim.instanceID)
		} else {
			log.Info("Another instance leads traffic generation", "instance_id", sim.instanceID)
		}
	}

	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(cfg.Simulator.BidSchedule, sim.placeBotBid); err != nil {
		log.Error("Invalid bid schedule", "schedule", cfg.Simulator.BidSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.AddFunc("@every 1s", sim.checkAuctionEnd)
	scheduler.AddFunc("@every 7s", sim.answerOldestQuestion)
	scheduler.Start()
	defer scheduler.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.GET("/ws", sim.handleWebSocket)
	e.GET("/auction/:id/questions", sim.handleQuestionsFragment)

	addr := fmt.Sprintf(":%d", cfg.Simulator.Port)
	log.Info("Simulator listening", "addr", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *simulator) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error("Failed to upgrade connection", "error", err)
		return err
	}

	client := &wsClient{
		conn:   conn,
		userID: c.QueryParam("user_id"),
		rooms:  make(map[string]struct{}),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.log.Info("Client connected", "user_id", client.userID)

	go s.readLoop(client)
	return nil
}

func (s *simulator) readLoop(client *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		client.conn.Close()
		s.log.Info("Client disconnected", "user_id", client.userID)
	}()

	for {
		var msg domain.OutboundMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handleMessage(client, &msg)
	}
}

func (s *simulator) handleMessage(client *wsClient, msg *domain.OutboundMessage) {
	switch msg.Event {
	case domain.MsgJoinAuction, domain.MsgJoinUserRoom:
		client.setJoined(msg.Room, true)
		s.log.Debug("Joined room", "user_id", client.userID, "room", msg.Room.String())
	case domain.MsgLeaveAuction, domain.MsgLeaveUserRoom:
		client.setJoined(msg.Room, false)
		s.log.Debug("Left room", "user_id", client.userID, "room", msg.Room.String())
	case domain.MsgPlaceBid:
		var p domain.PlaceBidPayload
		if err := redecode(msg.Data, &p); err != nil {
			s.log.Error("Bad place_bid payload", "error", err)
			return
		}
		s.handleBid(client, &p)
	case domain.MsgAskQuestion:
		var p domain.AskQuestionPayload
		if err := redecode(msg.Data, &p); err != nil {
			s.log.Error("Bad ask_question payload", "error", err)
			return
		}
		s.handleQuestion(client, &p)
	default:
		s.log.Debug("Unknown message", "event", msg.Event)
	}
}

func (s *simulator) handleBid(client *wsClient, p *domain.PlaceBidPayload) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.notifyUser(client.userID, "Bid Rejected", "This auction has ended.", domain.SeverityError)
		return
	}
	if p.Amount < s.currentPrice+s.increment {
		minBid := s.currentPrice + s.increment
		s.mu.Unlock()
		s.notifyUser(client.userID, "Bid Rejected",
			fmt.Sprintf("Bid must be at least $%.2f", minBid), domain.SeverityError)
		return
	}

	previousBidder := s.highestBidderID
	s.currentPrice = p.Amount
	s.bidCount++
	s.highestBidderID = client.userID
	s.mu.Unlock()

	s.broadcast(domain.AuctionRoom(demoAuctionID), domain.EventNewBid, domain.NewBidPayload{
		AuctionID:      demoAuctionID,
		Amount:         p.Amount,
		BidderID:       client.userID,
		BidderUsername: client.userID,
		PlacedAt:       time.Now().UTC(),
	})

	if previousBidder != "" && previousBidder != client.userID {
		s.broadcast(domain.UserRoom(previousBidder), domain.EventOutbid, domain.OutbidPayload{
			AuctionID:     demoAuctionID,
			AuctionTitle:  demoAuctionTitle,
			NewHighestBid: p.Amount,
		})
	}
}

func (s *simulator) handleQuestion(client *wsClient, p *domain.AskQuestionPayload) {
	question := &simQuestion{
		ID:      uuid.NewString(),
		Text:    p.Text,
		Asker:   client.userID,
		AskedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.questions = append(s.questions, question)
	s.mu.Unlock()

	s.broadcast(domain.AuctionRoom(demoAuctionID), domain.EventNewQuestion, domain.NewQuestionPayload{
		AuctionID:     demoAuctionID,
		QuestionID:    question.ID,
		Text:          question.Text,
		AskerUsername: question.Asker,
		AskedAt:       question.AskedAt,
	})
}

// leadingOrSolo reports whether this instance should generate traffic.
// Without Redis there is exactly one instance; with Redis the lease decides,
// and followers keep trying to take over an expired one.
func (s *simulator) leadingOrSolo() bool {
	if s.elector == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.elector.IsLeader(ctx, s.instanceID)
	if err != nil {
		s.log.Error("Leader check failed", "error", err)
		return false
	}
	if ok {
		return true
	}
	ok, err = s.elector.BecomeLeader(ctx, s.instanceID)
	if err != nil {
		s.log.Error("Leader election failed", "error", err)
		return false
	}
	if ok {
		s.log.Info("Took over traffic generation", "instance_id", s.instanceID)
	}
	return ok
}

// placeBotBid keeps the auction moving even with no human bidders.
func (s *simulator) placeBotBid() {
	if !s.leadingOrSolo() {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	previousBidder := s.highestBidderID
	amount := s.currentPrice + s.increment
	s.currentPrice = amount
	s.bidCount++
	s.highestBidderID = botBidderID
	isAutoBid := s.bidCount%2 == 0
	s.mu.Unlock()

	s.broadcast(domain.AuctionRoom(demoAuctionID), domain.EventNewBid, domain.NewBidPayload{
		AuctionID:      demoAuctionID,
		Amount:         amount,
		BidderID:       botBidderID,
		BidderUsername: botBidderID,
		PlacedAt:       time.Now().UTC(),
		IsAutoBid:      isAutoBid,
	})

	if previousBidder != "" && previousBidder != botBidderID {
		s.broadcast(domain.UserRoom(previousBidder), domain.EventOutbid, domain.OutbidPayload{
			AuctionID:     demoAuctionID,
			AuctionTitle:  demoAuctionTitle,
			NewHighestBid: amount,
		})
	}
}

func (s *simulator) checkAuctionEnd() {
	if !s.leadingOrSolo() {
		return
	}
	s.mu.Lock()
	if s.ended || time.Now().Before(s.endsAt) {
		s.mu.Unlock()
		return
	}
	s.ended = true
	winner := s.highestBidderID
	s.mu.Unlock()

	s.log.Info("Auction ended", "winner", winner)
	s.broadcast(domain.AuctionRoom(demoAuctionID), domain.EventAuctionEnded, domain.AuctionEndedPayload{
		AuctionID:    demoAuctionID,
		AuctionTitle: demoAuctionTitle,
		Winner:       winner,
	})
	if winner != "" && winner != botBidderID {
		s.notifyUser(winner, "Auction Won",
			fmt.Sprintf("Congratulations! You won %q.", demoAuctionTitle), domain.SeveritySuccess)
	}
}

func (s *simulator) answerOldestQuestion() {
	if !s.leadingOrSolo() {
		return
	}
	s.mu.Lock()
	var pending *simQuestion
	for _, q := range s.questions {
		if !q.Answered {
			pending = q
			break
		}
	}
	if pending == nil {
		s.mu.Unlock()
		return
	}
	answer := fmt.Sprintf("Thanks for asking about %q - yes, it is as described.", pending.Text)
	pending.Answers = append(pending.Answers, answer)
	pending.Answered = true
	questionID := pending.ID
	s.mu.Unlock()

	s.broadcast(domain.AuctionRoom(demoAuctionID), domain.EventNewAnswer, domain.NewAnswerPayload{
		AuctionID:        demoAuctionID,
		QuestionID:       questionID,
		Text:             answer,
		AnswererUsername: "seller",
		AnsweredAt:       time.Now().UTC(),
	})
}

func (s *simulator) handleQuestionsFragment(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<div class="questions-container">`)
	for _, q := range s.questions {
		fmt.Fprintf(&b, `<div class="question"><strong>%s</strong>: %s`, q.Asker, q.Text)
		for _, a := range q.Answers {
			fmt.Fprintf(&b, `<div class="answer">%s</div>`, a)
		}
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div>`)

	return c.HTML(http.StatusOK, b.String())
}

func (s *simulator) notifyUser(userID, title, message string, severity domain.Severity) {
	if userID == "" {
		return
	}
	s.broadcast(domain.UserRoom(userID), domain.EventNotification, domain.UserNotificationPayload{
		Title:    title,
		Message:  message,
		Severity: string(severity),
		Link:     "/auctions/" + demoAuctionID,
	})
}

func (s *simulator) broadcast(room domain.Room, eventName string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("Failed to marshal payload", "event", eventName, "error", err)
		return
	}
	event := &domain.Event{Name: eventName, Room: room, Data: data}

	if s.rdb != nil {
		raw, err := json.Marshal(event)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.rdb.Publish(ctx, s.eventChannel, raw).Err(); err != nil {
				s.log.Error("Failed to publish event to Redis", "event", eventName, "error", err)
			}
			cancel()
		}
	}

	s.mu.Lock()
	targets := make([]*wsClient, 0, len(s.clients))
	for client := range s.clients {
		targets = append(targets, client)
	}
	s.mu.Unlock()

	for _, client := range targets {
		if !client.joined(room) {
			continue
		}
		if err := client.send(event); err != nil {
			s.log.Error("Failed to send event", "user_id", client.userID,
				"event", eventName, "error", err)
		}
	}
}

// redecode converts the loosely-typed envelope data back into a concrete
// payload struct.
func redecode(data interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
