package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/store"
)

const (
	OperationPredictionStake  = "PREDICTION_STAKE"
	OperationPredictionReward = "PREDICTION_REWARD"
	OperationPredictionRefund = "PREDICTION_REFUND"

	CloseReasonIdle     = "idle_timeout"
	CloseReasonExplicit = "closed"
	CloseReasonShutdown = "server_shutdown"

	backgroundCreditTimeout = time.Minute
)

// Listener receives every outbound event of the sessions it is attached to.
// Deliver must not block.
type Listener interface {
	ID() string
	Deliver(ev models.Event)
}

// Ledger is the external credit ledger. It owns balance atomicity.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, txType, description string) (store.Balance, error)
	Credit(ctx context.Context, userID string, amount int64, txType, description string) (store.Balance, error)
}

// Directory resolves ideas and users owned outside the bidding core.
type Directory interface {
	ResolveIdea(ctx context.Context, ideaID string) (models.IdeaSummary, error)
	ResolveUser(ctx context.Context, userID string) (models.UserSummary, error)
}

// BidRequester asks the participants of a session for their bids in a round.
// RequestBids must return promptly; answers come back through RecordMessage and RecordBid.
type BidRequester interface {
	RequestBids(s *Session, req RoundRequest)
}

type RoundRequest struct {
	SessionID    string
	Idea         models.IdeaSummary
	Round        int
	Participants []models.Bidder
	PriorBids    []models.Bid
	UserMessages []models.Message
}

type SessionConfig struct {
	MaxRounds   int
	IdleTimeout time.Duration
	MaxViewers  int
	AutoAdvance bool
}

type sessionDeps struct {
	ledger      Ledger
	coordinator *RetryCoordinator
	sampler     *PerformanceSampler
	bidders     BidRequester
	logger      zerolog.Logger
	onClose     func(*Session)
}

// Session is the state machine of one bidding session. Every mutation happens
// under mu; the only call made without it is the credit debit in SubmitPrediction.
type Session struct {
	mu                sync.Mutex
	state             models.BiddingSession
	listeners         map[string]Listener
	idle              *time.Timer
	stageEnteredAt    time.Time
	predictionPending bool
	roundBidders      map[string]struct{}

	cfg    SessionConfig
	deps   sessionDeps
	logger zerolog.Logger
}

func newSession(sessionID string, idea models.IdeaSummary, roster []models.Bidder, cfg SessionConfig, deps sessionDeps) *Session {
	now := time.Now()
	s := &Session{
		state: models.BiddingSession{
			SessionID:    sessionID,
			IdeaID:       idea.ID,
			Idea:         idea,
			Stage:        models.StageInit,
			MaxRounds:    cfg.MaxRounds,
			Participants: append([]models.Bidder(nil), roster...),
			Messages:     []models.Message{},
			Bids:         []models.Bid{},
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		listeners:      make(map[string]Listener),
		stageEnteredAt: now,
		roundBidders:   make(map[string]struct{}),
		cfg:            cfg,
		deps:           deps,
		logger:         deps.logger.With().Str("session_id", sessionID).Logger(),
	}
	if cfg.IdleTimeout > 0 {
		s.idle = time.AfterFunc(cfg.IdleTimeout, func() {
			s.logger.Info().Dur("idle_timeout", cfg.IdleTimeout).Msg("session idle")
			s.Close(CloseReasonIdle)
		})
	}
	return s
}

func (s *Session) ID() string { return s.state.SessionID }

func (s *Session) IdeaID() string { return s.state.IdeaID }

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() models.BiddingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Session) Stage() models.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Stage
}

func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Round
}

func (s *Session) Closed() bool {
	return s.Stage() == models.StageClosed
}

func (s *Session) Participant(bidderID string) (models.Bidder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.state.Participants {
		if b.ID == bidderID {
			return b, true
		}
	}
	return models.Bidder{}, false
}

// Touch records inbound client activity and restarts the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Stage != models.StageClosed && s.idle != nil {
		s.idle.Reset(s.cfg.IdleTimeout)
	}
}

// Attach subscribes l to every event of the session and sends it a full snapshot.
func (s *Session) Attach(l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Stage == models.StageClosed {
		return ErrSessionClosed
	}
	if _, ok := s.listeners[l.ID()]; !ok && s.cfg.MaxViewers > 0 && len(s.listeners) >= s.cfg.MaxViewers {
		return ErrSessionFull
	}
	s.listeners[l.ID()] = l
	s.state.Viewers = len(s.listeners)

	l.Deliver(models.NewEvent(models.EventSessionUpdate, s.state.Clone()))
	s.broadcastLocked(models.NewEvent(models.EventViewerUpdate, models.ViewerPayload{
		SessionID: s.state.SessionID,
		Viewers:   s.state.Viewers,
	}))
	return nil
}

// Detach removes a listener. Detaching an unknown listener is a no-op.
func (s *Session) Detach(listenerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listeners[listenerID]; !ok {
		return
	}
	delete(s.listeners, listenerID)
	s.state.Viewers = len(s.listeners)
	s.broadcastLocked(models.NewEvent(models.EventViewerUpdate, models.ViewerPayload{
		SessionID: s.state.SessionID,
		Viewers:   s.state.Viewers,
	}))
}

// AdvanceToDebate moves INIT to AGENT_DEBATE and opens round 0. Calls in any
// other stage are ignored.
func (s *Session) AdvanceToDebate() bool {
	s.mu.Lock()
	if s.state.Stage != models.StageInit {
		s.mu.Unlock()
		s.logger.Debug().Str("stage", string(s.Stage())).Msg("advanceToDebate ignored")
		return false
	}
	s.state.Round = 0
	s.roundBidders = make(map[string]struct{})
	s.enterStageLocked(models.StageAgentDebate)
	s.appendSystemLocked(fmt.Sprintf("The debate on %q begins with %d bidders.", s.ideaTitleLocked(), len(s.state.Participants)))
	s.broadcastLocked(models.NewEvent(models.EventSessionUpdate, s.state.Clone()))
	req := s.roundRequestLocked()
	s.mu.Unlock()

	s.requestBids(req)
	return true
}

// RecordBid appends a bid for the current round. Bids from unknown bidders,
// from a round other than the current one, or repeated within a round are dropped.
func (s *Session) RecordBid(bidderID string, round int, value float64, rationale string) bool {
	s.mu.Lock()
	switch {
	case s.state.Stage != models.StageAgentDebate:
		s.mu.Unlock()
		s.logger.Debug().Str("bidder_id", bidderID).Msg("bid outside debate dropped")
		return false
	case !s.state.HasParticipant(bidderID):
		s.mu.Unlock()
		s.logger.Debug().Str("bidder_id", bidderID).Msg("bid from unknown bidder dropped")
		return false
	case round != s.state.Round:
		current := s.state.Round
		s.mu.Unlock()
		s.logger.Debug().Str("bidder_id", bidderID).Int("round", round).Int("current_round", current).
			Msg("stale bid dropped")
		return false
	case math.IsNaN(value) || math.IsInf(value, 0) || value < 0:
		s.mu.Unlock()
		s.logger.Debug().Str("bidder_id", bidderID).Float64("value", value).Msg("invalid bid value dropped")
		return false
	}
	if _, done := s.roundBidders[bidderID]; done {
		s.mu.Unlock()
		s.logger.Debug().Str("bidder_id", bidderID).Int("round", round).Msg("repeat bid in round dropped")
		return false
	}

	bid := models.Bid{
		BidderID:  bidderID,
		Round:     round,
		Value:     value,
		Rationale: rationale,
		Timestamp: time.Now(),
	}
	s.state.Bids = append(s.state.Bids, bid)
	s.roundBidders[bidderID] = struct{}{}
	s.touchLocked()
	s.broadcastLocked(models.NewEvent(models.EventBidNew, bid))

	var req *RoundRequest
	if s.cfg.AutoAdvance && len(s.roundBidders) == len(s.state.Participants) {
		req = s.advanceRoundLocked()
	}
	s.mu.Unlock()

	s.requestBids(req)
	return true
}

// RecordMessage appends a chat message while the debate or prediction stage is open.
// Messages are ordered by arrival only.
func (s *Session) RecordMessage(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Stage != models.StageAgentDebate && s.state.Stage != models.StageUserPrediction {
		s.logger.Debug().Str("sender", msg.SenderID).Str("stage", string(s.state.Stage)).Msg("message outside open stages dropped")
		return false
	}
	if msg.Round < 0 {
		msg.Round = s.state.Round
	}
	msg.Timestamp = time.Now()
	s.state.Messages = append(s.state.Messages, msg)
	s.touchLocked()
	s.broadcastLocked(models.NewEvent(models.EventMessageNew, msg))
	return true
}

// AdvanceRound closes the current debate round. Reaching MaxRounds moves the
// session to USER_PREDICTION.
func (s *Session) AdvanceRound() bool {
	s.mu.Lock()
	if s.state.Stage != models.StageAgentDebate {
		s.mu.Unlock()
		s.logger.Debug().Msg("advanceRound ignored outside debate")
		return false
	}
	req := s.advanceRoundLocked()
	s.mu.Unlock()

	s.requestBids(req)
	return true
}

func (s *Session) advanceRoundLocked() *RoundRequest {
	s.state.Round++
	s.roundBidders = make(map[string]struct{})

	if s.state.Round >= s.cfg.MaxRounds {
		s.enterStageLocked(models.StageUserPrediction)
		s.appendSystemLocked(fmt.Sprintf("Bidding closed at %.0f. Submit your prediction.", s.state.HighestBid()))
		s.broadcastLocked(models.NewEvent(models.EventSessionUpdate, s.state.Clone()))
		return nil
	}

	s.touchLocked()
	s.broadcastLocked(models.NewEvent(models.EventSessionUpdate, s.state.Clone()))
	req := s.roundRequestLocked()
	return req
}

// SubmitPrediction stakes credits on the final value. The prediction is recorded
// only after the debit succeeds; on failure the session stays in USER_PREDICTION.
// Errors are also reported to the listener identified by origin.
func (s *Session) SubmitPrediction(ctx context.Context, origin, userID string, predicted float64, stake int64) (models.PredictionResult, error) {
	s.mu.Lock()
	var guard error
	switch {
	case s.state.Stage == models.StageClosed:
		guard = ErrSessionClosed
	case s.state.Prediction != nil:
		guard = ErrDuplicatePrediction
	case s.predictionPending:
		guard = ErrPredictionPending
	case s.state.Stage != models.StageUserPrediction:
		guard = fmt.Errorf("%w: prediction requires %s, session is %s", ErrWrongStage, models.StageUserPrediction, s.state.Stage)
	case userID == "":
		guard = ErrAnonymousPrediction
	}
	if guard != nil {
		s.sendLocked(origin, models.ErrorEvent(ErrorCode(guard), guard.Error()))
		s.mu.Unlock()
		return models.PredictionResult{}, guard
	}
	s.predictionPending = true
	sessionID := s.state.SessionID
	s.mu.Unlock()

	opID := NewOperationID()
	description := fmt.Sprintf("prediction stake - session %s", shortID(sessionID))
	balance, err := Execute(ctx, s.deps.coordinator, OperationRequest{
		OperationID: opID,
		UserID:      userID,
		Amount:      -stake,
		Type:        OperationPredictionStake,
	}, func(ctx context.Context) (store.Balance, error) {
		return s.deps.ledger.Debit(ctx, userID, stake, OperationPredictionStake, description)
	})

	s.mu.Lock()
	s.predictionPending = false

	if s.state.Stage == models.StageClosed {
		s.mu.Unlock()
		if err == nil {
			s.logger.Warn().Str("operation_id", opID).Str("user_id", userID).
				Msg("debit resolved after close, refunding stake")
			s.creditInBackground(userID, stake, OperationPredictionRefund,
				fmt.Sprintf("stake refund - session %s closed", shortID(sessionID)))
		}
		return models.PredictionResult{}, ErrSessionClosed
	}

	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrCreditDebitFailed, err)
		s.sendLocked(origin, models.ErrorEvent(CodeCreditDebitFailed, debitFailureMessage(err)))
		s.mu.Unlock()
		return models.PredictionResult{}, wrapped
	}

	prediction := models.Prediction{
		UserID:         userID,
		PredictedValue: predicted,
		StakeAmount:    stake,
		OperationID:    opID,
		BalanceAfter:   balance.BalanceAfter,
	}
	result := ScorePrediction(predicted, s.state.HighestBid(), stake)
	s.state.Prediction = &prediction
	s.state.Result = &result
	s.enterStageLocked(models.StageResult)
	s.appendSystemLocked(fmt.Sprintf("Final value %.0f, prediction %.0f, accuracy %.0f%%.",
		result.FinalValue, predicted, result.Accuracy*100))
	s.broadcastLocked(models.NewEvent(models.EventSessionUpdate, s.state.Clone()))
	s.broadcastLocked(models.NewEvent(models.EventPredictionResult, models.PredictionResultPayload{
		SessionID:  sessionID,
		Prediction: prediction,
		Result:     result,
	}))
	s.mu.Unlock()

	if result.Reward > 0 {
		s.creditInBackground(userID, result.Reward, OperationPredictionReward,
			fmt.Sprintf("prediction reward - session %s", shortID(sessionID)))
	}
	return result, nil
}

// Close moves the session to CLOSED, cancels the idle timer and detaches every
// listener. Closing twice is a no-op.
func (s *Session) Close(reason string) bool {
	s.mu.Lock()
	if s.state.Stage == models.StageClosed {
		s.mu.Unlock()
		return false
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	s.state.CloseReason = reason
	s.enterStageLocked(models.StageClosed)
	s.broadcastLocked(models.NewEvent(models.EventSessionClosed, models.ClosedPayload{
		SessionID: s.state.SessionID,
		Reason:    reason,
	}))
	s.listeners = make(map[string]Listener)
	s.state.Viewers = 0
	s.mu.Unlock()

	s.logger.Info().Str("reason", reason).Msg("session closed")
	if s.deps.onClose != nil {
		s.deps.onClose(s)
	}
	return true
}

// ScorePrediction grades a prediction against the final value.
func ScorePrediction(predicted, final float64, stake int64) models.PredictionResult {
	var accuracy float64
	switch {
	case final > 0:
		accuracy = math.Max(0, 1-math.Abs(predicted-final)/final)
	case predicted == 0:
		accuracy = 1
	}

	var multiplier float64
	switch {
	case accuracy >= 0.9:
		multiplier = 2
	case accuracy >= 0.7:
		multiplier = 1.5
	case accuracy >= 0.5:
		multiplier = 1
	}
	return models.PredictionResult{
		FinalValue: final,
		Accuracy:   accuracy,
		Reward:     int64(math.Floor(float64(stake) * multiplier)),
	}
}

func (s *Session) creditInBackground(userID string, amount int64, txType, description string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundCreditTimeout)
		defer cancel()
		_, err := Execute(ctx, s.deps.coordinator, OperationRequest{
			OperationID: NewOperationID(),
			UserID:      userID,
			Amount:      amount,
			Type:        txType,
		}, func(ctx context.Context) (store.Balance, error) {
			return s.deps.ledger.Credit(ctx, userID, amount, txType, description)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Str("type", txType).Msg("background credit failed")
		}
	}()
}

func (s *Session) requestBids(req *RoundRequest) {
	if req == nil || s.deps.bidders == nil {
		return
	}
	s.deps.bidders.RequestBids(s, *req)
}

func (s *Session) roundRequestLocked() *RoundRequest {
	var userMsgs []models.Message
	for _, m := range s.state.Messages {
		if m.SenderType == models.SenderUser {
			userMsgs = append(userMsgs, m)
		}
	}
	return &RoundRequest{
		SessionID:    s.state.SessionID,
		Idea:         s.state.Idea,
		Round:        s.state.Round,
		Participants: append([]models.Bidder(nil), s.state.Participants...),
		PriorBids:    append([]models.Bid(nil), s.state.Bids...),
		UserMessages: userMsgs,
	}
}

func (s *Session) enterStageLocked(stage models.Stage) {
	now := time.Now()
	if s.deps.sampler != nil {
		s.deps.sampler.Record(MetricStageTransitionTime, float64(now.Sub(s.stageEnteredAt).Milliseconds()))
	}
	s.logger.Info().Str("from", string(s.state.Stage)).Str("to", string(stage)).Int("round", s.state.Round).
		Msg("stage transition")
	s.state.Stage = stage
	s.stageEnteredAt = now
	s.state.UpdatedAt = now
}

func (s *Session) appendSystemLocked(text string) {
	msg := models.Message{
		SenderType: models.SenderSystem,
		SenderID:   models.SenderSystem,
		SenderName: "system",
		Text:       text,
		Round:      s.state.Round,
		Timestamp:  time.Now(),
	}
	s.state.Messages = append(s.state.Messages, msg)
	s.broadcastLocked(models.NewEvent(models.EventMessageNew, msg))
}

func (s *Session) touchLocked() {
	s.state.UpdatedAt = time.Now()
}

func (s *Session) broadcastLocked(ev models.Event) {
	for _, l := range s.listeners {
		l.Deliver(ev)
	}
}

func (s *Session) sendLocked(listenerID string, ev models.Event) {
	if l, ok := s.listeners[listenerID]; ok {
		l.Deliver(ev)
	}
}

func (s *Session) ideaTitleLocked() string {
	if s.state.Idea.Title != "" {
		return s.state.Idea.Title
	}
	return s.state.IdeaID
}

func debitFailureMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientCredits):
		return "insufficient credits for this stake"
	case errors.Is(err, store.ErrNotFound):
		return "user not found in ledger"
	default:
		return "credit ledger unavailable, please try again"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
