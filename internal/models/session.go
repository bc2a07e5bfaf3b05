package models

import "time"

type Stage string

const (
	StageInit           Stage = "INIT"
	StageAgentDebate    Stage = "AGENT_DEBATE"
	StageUserPrediction Stage = "USER_PREDICTION"
	StageResult         Stage = "RESULT"
	StageClosed         Stage = "CLOSED"
)

// Bidder is one AI agent persona taking part in a session.
type Bidder struct {
	ID        string `json:"id" toml:"id"`
	Name      string `json:"name" toml:"name"`
	Specialty string `json:"specialty" toml:"specialty"`
	Style     string `json:"style" toml:"style"` // "aggressive", "balanced" or "conservative"
}

type Bid struct {
	BidderID  string    `json:"bidderId"`
	Round     int       `json:"round"`
	Value     float64   `json:"value"`
	Rationale string    `json:"rationale"`
	Timestamp time.Time `json:"timestamp"`
}

type Prediction struct {
	UserID         string  `json:"userId"`
	PredictedValue float64 `json:"predictedValue"`
	StakeAmount    int64   `json:"stakeAmount"`
	OperationID    string  `json:"operationId"`
	BalanceAfter   int64   `json:"balanceAfter"`
}

type PredictionResult struct {
	FinalValue float64 `json:"finalValue"`
	Accuracy   float64 `json:"accuracy"`
	Reward     int64   `json:"reward"`
}

type IdeaSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type UserSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Credits int64  `json:"credits"`
}

// BiddingSession is the serializable state of one bidding session.
type BiddingSession struct {
	SessionID    string            `json:"sessionId"`
	IdeaID       string            `json:"ideaId"`
	Idea         IdeaSummary       `json:"idea"`
	Stage        Stage             `json:"stage"`
	Round        int               `json:"round"`
	MaxRounds    int               `json:"maxRounds"`
	Participants []Bidder          `json:"participants"`
	Messages     []Message         `json:"messages"`
	Bids         []Bid             `json:"bids"`
	Prediction   *Prediction       `json:"prediction,omitempty"`
	Result       *PredictionResult `json:"result,omitempty"`
	Viewers      int               `json:"viewers"`
	CloseReason  string            `json:"closeReason,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *BiddingSession) Clone() BiddingSession {
	out := *s
	out.Participants = append([]Bidder(nil), s.Participants...)
	out.Messages = append([]Message(nil), s.Messages...)
	out.Bids = append([]Bid(nil), s.Bids...)
	if s.Prediction != nil {
		p := *s.Prediction
		out.Prediction = &p
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}

func (s *BiddingSession) HasParticipant(bidderID string) bool {
	for _, b := range s.Participants {
		if b.ID == bidderID {
			return true
		}
	}
	return false
}

// HighestBid returns the largest bid value recorded so far, or 0 when there are none.
func (s *BiddingSession) HighestBid() float64 {
	var high float64
	for _, b := range s.Bids {
		if b.Value > high {
			high = b.Value
		}
	}
	return high
}
