package services

import (
	"errors"
	"sync"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"
)

var (
	// ErrStaleEvent marks a bid event that would regress displayed state.
	// Discarded, never user-facing: the server is the source of truth and
	// the transport may redeliver or reorder.
	ErrStaleEvent = errors.New("stale or out-of-order event")

	// ErrAuctionClosed marks an event arriving after a terminal status.
	ErrAuctionClosed = errors.New("auction already ended or cancelled")
)

// Reconciler applies bidding events to the in-memory auction states and
// emits deltas describing exactly which display fields changed. Correctness
// rests on currentPrice monotonicity, not event arrival order. Single
// writer; snapshots are copies and safe for any number of readers.
type Reconciler struct {
	recentLimit int
	log         logger.Logger

	mu        sync.RWMutex
	auctions  map[string]*domain.AuctionState
	questions map[string]*domain.Question
}

func NewReconciler(recentLimit int, log logger.Logger) *Reconciler {
	return &Reconciler{
		recentLimit: recentLimit,
		log:         log,
		auctions:    make(map[string]*domain.AuctionState),
		questions:   make(map[string]*domain.Question),
	}
}

// Track registers an auction currently rendered on the page, seeded from the
// server-rendered snapshot. MinNextBid is derived when the snapshot omits it.
func (r *Reconciler) Track(state domain.AuctionState) {
	if state.MinNextBid == 0 && !state.Status.Terminal() {
		state.MinNextBid = state.CurrentPrice + state.Increment
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	copied := state
	copied.RecentBids = append([]domain.Bid(nil), state.RecentBids...)
	r.auctions[state.AuctionID] = &copied
}

// Forget drops an auction no longer rendered.
func (r *Reconciler) Forget(auctionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.auctions, auctionID)
}

// Snapshot returns a copy of the current state for display consumers.
func (r *Reconciler) Snapshot(auctionID string) (domain.AuctionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.auctions[auctionID]
	if !ok {
		return domain.AuctionState{}, false
	}
	return copyState(state), true
}

// ApplyBid folds a bid event into the auction state. A bid at or below the
// current price is a no-op regardless of arrival time, which also makes
// duplicate delivery idempotent. An untracked auction means the page does
// not render it: normal no-op, not an error.
func (r *Reconciler) ApplyBid(p *domain.NewBidPayload) (*domain.StateDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.auctions[p.AuctionID]
	if !ok {
		return nil, nil
	}
	if state.Status.Terminal() {
		return nil, ErrAuctionClosed
	}
	if p.Amount <= state.CurrentPrice {
		return nil, ErrStaleEvent
	}

	state.CurrentPrice = p.Amount
	state.MinNextBid = p.Amount + state.Increment
	state.BidCount++
	state.HighestBidderID = p.BidderID

	bid := domain.Bid{
		BidderID:       p.BidderID,
		BidderUsername: p.BidderUsername,
		Amount:         p.Amount,
		PlacedAt:       p.PlacedAt,
		IsAutoBid:      p.IsAutoBid,
	}
	state.RecentBids = append([]domain.Bid{bid}, state.RecentBids...)
	if len(state.RecentBids) > r.recentLimit {
		state.RecentBids = state.RecentBids[:r.recentLimit]
	}

	return r.delta(state,
		domain.FieldCurrentPrice,
		domain.FieldMinNextBid,
		domain.FieldBidCount,
		domain.FieldHighestBidder,
		domain.FieldRecentBids,
	), nil
}

// ApplyEnded moves the auction to its terminal ended status. Later bid
// events are discarded by ApplyBid. Applying to an already-terminal auction
// changes nothing.
func (r *Reconciler) ApplyEnded(p *domain.AuctionEndedPayload) (*domain.StateDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.auctions[p.AuctionID]
	if !ok {
		return nil, nil
	}
	if state.Status.Terminal() {
		return nil, ErrAuctionClosed
	}

	state.Status = domain.AuctionEnded
	fields := []domain.DeltaField{domain.FieldStatus}
	if p.Winner != "" {
		state.Winner = p.Winner
		fields = append(fields, domain.FieldWinner)
	}
	return r.delta(state, fields...), nil
}

// ApplyCancelled moves the auction to its terminal cancelled status.
func (r *Reconciler) ApplyCancelled(p *domain.AuctionCancelledPayload) (*domain.StateDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.auctions[p.AuctionID]
	if !ok {
		return nil, nil
	}
	if state.Status.Terminal() {
		return nil, ErrAuctionClosed
	}

	state.Status = domain.AuctionCancelled
	return r.delta(state, domain.FieldStatus), nil
}

// ApplyQuestion records a new question thread as unanswered. Duplicate
// delivery of the same question id changes nothing.
func (r *Reconciler) ApplyQuestion(p *domain.NewQuestionPayload) (*domain.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.questions[p.QuestionID]; ok {
		copied := copyQuestion(existing)
		return &copied, nil
	}

	question := &domain.Question{
		ID:            p.QuestionID,
		AuctionID:     p.AuctionID,
		Text:          p.Text,
		AskerUsername: p.AskerUsername,
		AskedAt:       p.AskedAt,
		Status:        domain.QuestionUnanswered,
	}
	r.questions[p.QuestionID] = question
	copied := copyQuestion(question)
	return &copied, nil
}

// ApplyAnswer appends an answer to its question thread. The first answer
// transitions the thread to answered; later answers only append. Answers for
// questions this page never saw are dropped (the fragment refresh still
// runs at the handler level).
func (r *Reconciler) ApplyAnswer(p *domain.NewAnswerPayload) (*domain.Question, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	question, ok := r.questions[p.QuestionID]
	if !ok {
		return nil, false, nil
	}

	question.Answers = append(question.Answers, domain.Answer{
		Text:             p.Text,
		AnswererUsername: p.AnswererUsername,
		AnsweredAt:       p.AnsweredAt,
	})

	transitioned := false
	if question.Status == domain.QuestionUnanswered {
		question.Status = domain.QuestionAnswered
		transitioned = true
	}
	copied := copyQuestion(question)
	return &copied, transitioned, nil
}

// Question returns a copy of a tracked question thread.
func (r *Reconciler) Question(questionID string) (domain.Question, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	question, ok := r.questions[questionID]
	if !ok {
		return domain.Question{}, false
	}
	return copyQuestion(question), true
}

// Tracked lists the auction ids currently reconciled.
func (r *Reconciler) Tracked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.auctions))
	for id := range r.auctions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Reconciler) delta(state *domain.AuctionState, fields ...domain.DeltaField) *domain.StateDelta {
	return &domain.StateDelta{
		AuctionID: state.AuctionID,
		Fields:    fields,
		State:     copyState(state),
	}
}

func copyState(state *domain.AuctionState) domain.AuctionState {
	copied := *state
	copied.RecentBids = append([]domain.Bid(nil), state.RecentBids...)
	return copied
}

func copyQuestion(question *domain.Question) domain.Question {
	copied := *question
	copied.Answers = append([]domain.Answer(nil), question.Answers...)
	return copied
}
