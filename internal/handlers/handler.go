package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/services"
	"github.com/latestcomment/idea-bidding/internal/store"
)

// SnapshotReader looks up archived sessions.
type SnapshotReader interface {
	Load(ctx context.Context, sessionID string) (models.BiddingSession, error)
	SessionsForIdea(ctx context.Context, ideaID string) ([]string, error)
}

// TransactionLister reads a user's recent ledger rows.
type TransactionLister interface {
	Transactions(ctx context.Context, userID string, limit int) ([]store.Transaction, error)
}

// HealthChecker is a dependency that can report its health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Handler struct {
	Sessions *services.SessionService
	Monitor  *services.OperationMonitor
	Sampler  *services.PerformanceSampler
	Ledger   TransactionLister
	Archive  SnapshotReader           // optional
	Checks   map[string]HealthChecker // optional
}

func NewHandler(sessions *services.SessionService, monitor *services.OperationMonitor, sampler *services.PerformanceSampler,
	ledger TransactionLister, archive SnapshotReader, checks map[string]HealthChecker) *Handler {
	return &Handler{
		Sessions: sessions,
		Monitor:  monitor,
		Sampler:  sampler,
		Ledger:   ledger,
		Archive:  archive,
		Checks:   checks,
	}
}

// Register mounts the HTTP and WebSocket routes.
func Register(app *fiber.App, h *Handler, ws *WebSocketHandler, origins []string) {
	app.Get("/healthz", h.Health)
	api := app.Group("/api")
	api.Get("/metrics", h.Metrics)
	api.Get("/operations/failed", h.FailedOperations)
	api.Get("/sessions/:id", h.SessionSnapshot)
	api.Get("/ideas/:ideaId/sessions", h.IdeaSessions)
	api.Get("/users/:id/transactions", h.UserTransactions)
	api.Get("/bidding/:ideaId", ws.WebSocketMiddleware, websocket.New(ws.HandleWebSocket, websocket.Config{
		Origins: origins,
	}))
}

func (h *Handler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	deps := fiber.Map{}
	for name, check := range h.Checks {
		if err := check.Health(ctx); err != nil {
			deps[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{
		"status":       state,
		"sessions":     h.Sessions.Count(),
		"dependencies": deps,
	})
}

func (h *Handler) Metrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"performance": h.Sampler.GetMetricsSummary(),
		"operations":  h.Monitor.Stats(),
		"sessions":    h.Sessions.Count(),
	})
}

func (h *Handler) FailedOperations(c *fiber.Ctx) error {
	return c.JSON(h.Monitor.GetFailedOperations())
}

// SessionSnapshot serves the live session, falling back to the archive once it has closed.
func (h *Handler) SessionSnapshot(c *fiber.Ctx) error {
	id := c.Params("id")
	if s := h.Sessions.Get(id); s != nil {
		return c.JSON(s.Snapshot())
	}
	if h.Archive == nil {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	snap, err := h.Archive.Load(c.UserContext(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	case err != nil:
		return fiber.NewError(fiber.StatusBadGateway, "archive unavailable")
	}
	return c.JSON(snap)
}

func (h *Handler) IdeaSessions(c *fiber.Ctx) error {
	ideaID := c.Params("ideaId")
	archived := []string{}
	if h.Archive != nil {
		ids, err := h.Archive.SessionsForIdea(c.UserContext(), ideaID)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, "archive unavailable")
		}
		archived = append(archived, ids...)
	}
	return c.JSON(fiber.Map{
		"ideaId":   ideaID,
		"live":     h.Sessions.ForIdea(ideaID),
		"archived": archived,
	})
}

// UserTransactions lists the newest ledger rows of a user, 20 by default and at most 100.
func (h *Handler) UserTransactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 100")
	}
	txs, err := h.Ledger.Transactions(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "ledger unavailable")
	}
	return c.JSON(txs)
}
