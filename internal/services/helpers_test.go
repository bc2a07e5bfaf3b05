package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/store"
)

var testRoster = []models.Bidder{
	{ID: "tech-pioneer-alex", Name: "Alex", Specialty: "technical feasibility", Style: "balanced"},
	{ID: "business-tycoon-wang", Name: "Wang", Specialty: "business models", Style: "aggressive"},
	{ID: "scholar-li", Name: "Li", Specialty: "research", Style: "conservative"},
}

// recorder is a Listener that keeps every event it receives.
type recorder struct {
	id     string
	mu     sync.Mutex
	events []models.Event
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) OfType(eventType string) []models.Event {
	var out []models.Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) ErrorCodes() []string {
	var codes []string
	for _, ev := range r.OfType(models.EventError) {
		codes = append(codes, ev.Payload.(models.ErrorPayload).Code)
	}
	return codes
}

type fakeDirectory struct {
	ideas map[string]models.IdeaSummary
	users map[string]models.UserSummary
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		ideas: map[string]models.IdeaSummary{
			"idea-1": {ID: "idea-1", Title: "Solar kiosk", Description: "Pay-per-charge solar lockers", Category: "energy"},
		},
		users: map[string]models.UserSummary{
			"u1": {ID: "u1", Name: "Mia", Credits: 100},
		},
	}
}

func (d *fakeDirectory) ResolveIdea(_ context.Context, id string) (models.IdeaSummary, error) {
	if idea, ok := d.ideas[id]; ok {
		return idea, nil
	}
	return models.IdeaSummary{}, store.ErrNotFound
}

func (d *fakeDirectory) ResolveUser(_ context.Context, id string) (models.UserSummary, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return models.UserSummary{}, store.ErrNotFound
}

// fakeLedger fails the first failDebits debits, then succeeds.
type fakeLedger struct {
	mu         sync.Mutex
	failDebits int
	debits     int
	credits    []int64
	balance    int64
	gate       chan struct{} // when set, Debit waits for it
}

func (l *fakeLedger) Debit(ctx context.Context, _ string, amount int64, _, _ string) (store.Balance, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return store.Balance{}, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debits++
	if l.debits <= l.failDebits {
		return store.Balance{}, errors.Join(store.ErrLedgerUnavailable, errors.New("connection reset"))
	}
	before := l.balance
	l.balance -= amount
	return store.Balance{BalanceBefore: before, BalanceAfter: l.balance}, nil
}

func (l *fakeLedger) Credit(_ context.Context, _ string, amount int64, _, _ string) (store.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits = append(l.credits, amount)
	before := l.balance
	l.balance += amount
	return store.Balance{BalanceBefore: before, BalanceAfter: l.balance}, nil
}

func (l *fakeLedger) Debits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debits
}

func (l *fakeLedger) Credits() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.credits...)
}

type fakeArchiver struct {
	mu    sync.Mutex
	saved []models.BiddingSession
}

func (a *fakeArchiver) Save(_ context.Context, snap models.BiddingSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, snap)
	return nil
}

func (a *fakeArchiver) Saved() []models.BiddingSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.BiddingSession(nil), a.saved...)
}

type harness struct {
	svc      *SessionService
	ledger   *fakeLedger
	monitor  *OperationMonitor
	sampler  *PerformanceSampler
	coord    *RetryCoordinator
	archiver *fakeArchiver
	delays   *[]time.Duration
}

func newHarness(t *testing.T, cfg SessionConfig, bidders BidRequester) *harness {
	t.Helper()
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 3
	}
	logger := zerolog.Nop()
	monitor := NewOperationMonitor(time.Hour, logger)
	sampler := NewPerformanceSampler(100)
	coord := NewRetryCoordinator(monitor, sampler, 3, time.Second, logger)
	var (
		delaysMu sync.Mutex
		delays   []time.Duration
	)
	coord.sleep = func(_ context.Context, d time.Duration) error {
		delaysMu.Lock()
		delays = append(delays, d)
		delaysMu.Unlock()
		return nil
	}
	ledger := &fakeLedger{balance: 100}
	archiver := &fakeArchiver{}
	svc := NewSessionService(SessionServiceConfig{Session: cfg, Roster: testRoster},
		newFakeDirectory(), ledger, coord, sampler, bidders, archiver, logger)
	return &harness{
		svc:      svc,
		ledger:   ledger,
		monitor:  monitor,
		sampler:  sampler,
		coord:    coord,
		archiver: archiver,
		delays:   &delays,
	}
}

// toPrediction drives a fresh session to USER_PREDICTION with one bid per round.
func (h *harness) toPrediction(t *testing.T, l Listener) *Session {
	t.Helper()
	s, err := h.svc.Join(context.Background(), JoinRequest{SessionID: "s-" + l.ID(), IdeaID: "idea-1"}, l)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	s.AdvanceToDebate()
	for round := 0; s.Stage() == models.StageAgentDebate; round++ {
		s.RecordBid(testRoster[0].ID, round, 100+float64(round)*10, "steady")
		s.AdvanceRound()
	}
	return s
}
