package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/latestcomment/idea-bidding/internal/models"
)

const archiveTimeout = 5 * time.Second

// Archiver keeps snapshots of closed sessions beyond process memory.
type Archiver interface {
	Save(ctx context.Context, snap models.BiddingSession) error
}

type JoinRequest struct {
	SessionID string
	IdeaID    string
	UserID    string
}

type SessionServiceConfig struct {
	Session SessionConfig
	Roster  []models.Bidder
}

// SessionService owns the live sessions of this process, keyed by session id.
type SessionService struct {
	mu       sync.Mutex
	sessions map[string]*Session
	creating singleflight.Group

	cfg       SessionServiceConfig
	directory Directory
	deps      sessionDeps
	archiver  Archiver
	logger    zerolog.Logger
}

func NewSessionService(cfg SessionServiceConfig, directory Directory, ledger Ledger, coordinator *RetryCoordinator,
	sampler *PerformanceSampler, bidders BidRequester, archiver Archiver, logger zerolog.Logger) *SessionService {
	svc := &SessionService{
		sessions:  make(map[string]*Session),
		cfg:       cfg,
		directory: directory,
		archiver:  archiver,
		logger:    logger,
	}
	svc.deps = sessionDeps{
		ledger:      ledger,
		coordinator: coordinator,
		sampler:     sampler,
		bidders:     bidders,
		logger:      logger,
		onClose:     svc.evict,
	}
	return svc
}

// Join attaches l to the session, creating it in INIT on first use.
// A missing sessionId falls back to the ideaId, so callers that supply their own
// sessionId get one session per id even for the same idea.
func (svc *SessionService) Join(ctx context.Context, req JoinRequest, l Listener) (*Session, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.IdeaID
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId or ideaId is required", ErrSessionCreation)
	}

	if req.UserID != "" {
		if _, err := svc.directory.ResolveUser(ctx, req.UserID); err != nil {
			return nil, fmt.Errorf("%w: resolve user %s: %w", ErrSessionCreation, req.UserID, err)
		}
	}

	s, err := svc.getOrCreate(ctx, sessionID, req.IdeaID)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(l); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
		// Lost a race with close; the closed session has been evicted by now.
		if s, err = svc.getOrCreate(ctx, sessionID, req.IdeaID); err != nil {
			return nil, err
		}
		if err := s.Attach(l); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (svc *SessionService) getOrCreate(ctx context.Context, sessionID, ideaID string) (*Session, error) {
	if s := svc.Get(sessionID); s != nil {
		return s, nil
	}

	v, err, _ := svc.creating.Do(sessionID, func() (any, error) {
		if s := svc.Get(sessionID); s != nil {
			return s, nil
		}
		if ideaID == "" {
			ideaID = sessionID
		}
		idea, err := svc.directory.ResolveIdea(ctx, ideaID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve idea %s: %w", ErrSessionCreation, ideaID, err)
		}

		s := newSession(sessionID, idea, svc.cfg.Roster, svc.cfg.Session, svc.deps)
		svc.mu.Lock()
		svc.sessions[sessionID] = s
		svc.mu.Unlock()

		svc.logger.Info().Str("session_id", sessionID).Str("idea_id", idea.ID).
			Int("participants", len(svc.cfg.Roster)).Msg("session created")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns the live session or nil.
func (svc *SessionService) Get(sessionID string) *Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, ok := svc.sessions[sessionID]
	if !ok || s.Closed() {
		return nil
	}
	return s
}

// ForIdea lists the ids of live sessions bidding on ideaID.
func (svc *SessionService) ForIdea(ideaID string) []string {
	svc.mu.Lock()
	live := make([]*Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		live = append(live, s)
	}
	svc.mu.Unlock()

	ids := []string{}
	for _, s := range live {
		if s.IdeaID() == ideaID && !s.Closed() {
			ids = append(ids, s.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

// RetryBudget is the backoff time a credit operation may spend retrying.
func (svc *SessionService) RetryBudget() time.Duration {
	if svc.deps.coordinator == nil {
		return 0
	}
	return svc.deps.coordinator.Budget()
}

func (svc *SessionService) Count() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.sessions)
}

// CloseAll closes every live session with the given reason.
func (svc *SessionService) CloseAll(reason string) {
	svc.mu.Lock()
	live := make([]*Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		live = append(live, s)
	}
	svc.mu.Unlock()

	for _, s := range live {
		s.Close(reason)
	}
}

// evict drops a closed session from memory and archives its final snapshot.
func (svc *SessionService) evict(s *Session) {
	svc.mu.Lock()
	if cur, ok := svc.sessions[s.ID()]; ok && cur == s {
		delete(svc.sessions, s.ID())
	}
	svc.mu.Unlock()

	if svc.archiver == nil {
		return
	}
	snap := s.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := svc.archiver.Save(ctx, snap); err != nil {
			svc.logger.Warn().Err(err).Str("session_id", snap.SessionID).Msg("archive session failed")
		}
	}()
}
