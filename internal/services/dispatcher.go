package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/latestcomment/idea-bidding/internal/models"
)

// AgentDispatcher fans a round out to every participant concurrently and feeds
// the answers back into the session tagged with the round they were asked for.
type AgentDispatcher struct {
	primary  BidderEvaluator
	fallback BidderEvaluator
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewAgentDispatcher uses primary when set and falls back to the heuristic
// evaluator when primary is nil or fails.
func NewAgentDispatcher(primary BidderEvaluator, timeout time.Duration, logger zerolog.Logger) *AgentDispatcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &AgentDispatcher{
		primary:  primary,
		fallback: HeuristicEvaluator{},
		timeout:  timeout,
		logger:   logger,
	}
}

func (d *AgentDispatcher) RequestBids(s *Session, req RoundRequest) {
	go d.run(s, req)
}

func (d *AgentDispatcher) run(s *Session, req RoundRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(req.Participants))
	for _, bidder := range req.Participants {
		g.Go(func() error {
			ev := d.evaluate(ctx, bidder, req)
			if s.Closed() || s.Round() != req.Round {
				return nil
			}
			s.RecordMessage(models.Message{
				SenderType: models.SenderBidder,
				SenderID:   bidder.ID,
				SenderName: bidder.Name,
				Text:       ev.Rationale,
				Round:      req.Round,
			})
			s.RecordBid(bidder.ID, req.Round, ev.Value, ev.Rationale)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *AgentDispatcher) evaluate(ctx context.Context, bidder models.Bidder, req RoundRequest) Evaluation {
	if d.primary != nil {
		ev, err := d.primary.Evaluate(ctx, bidder, req)
		if err == nil {
			return ev
		}
		d.logger.Warn().Err(err).Str("session_id", req.SessionID).Str("bidder_id", bidder.ID).
			Msg("bidder evaluation failed, using heuristic")
	}
	ev, _ := d.fallback.Evaluate(ctx, bidder, req)
	return ev
}
