package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/latestcomment/idea-bidding/internal/auth"
	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/services"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteWait    = 10 * time.Second
	// ledger round trips of one prediction, on top of the retry backoff
	predictionCallTime  = 30 * time.Second
)

type TransportConfig struct {
	MaxMessageBytes  int
	MessageRateLimit int // per connection per minute; heartbeats are exempt
	PingInterval     time.Duration
	WriteWait        time.Duration
	SendBuffer       int
}

type WebSocketHandler struct {
	Service  *services.SessionService
	Sampler  *services.PerformanceSampler
	Verifier *auth.Verifier

	cfg    TransportConfig
	logger zerolog.Logger
}

func NewWebSocketHandler(service *services.SessionService, sampler *services.PerformanceSampler,
	verifier *auth.Verifier, cfg TransportConfig, logger zerolog.Logger) *WebSocketHandler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4096
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &WebSocketHandler{
		Service:  service,
		Sampler:  sampler,
		Verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

func (h *WebSocketHandler) WebSocketMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// connection is one WebSocket client attached to at most one session.
// Only writeLoop writes to the socket; everything else goes through Deliver.
type connection struct {
	client *models.Client
	ws     *websocket.Conn
	done   chan struct{}
	logger zerolog.Logger

	session *services.Session // read loop only
}

func (c *connection) ID() string { return c.client.Id.String() }

// Deliver queues ev for the writer. A full buffer drops the event.
func (c *connection) Deliver(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error().Err(err).Str("event", ev.Type).Msg("marshal event")
		return
	}
	select {
	case <-c.done:
	case c.client.Send <- data:
	default:
		c.logger.Warn().Str("event", ev.Type).Msg("send buffer full, dropping event")
	}
}

func (c *connection) fail(code, message string) {
	c.Deliver(models.ErrorEvent(code, message))
}

func (c *connection) writeLoop(ping, writeWait time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	write := func(messageType int, data []byte) bool {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(messageType, data); err != nil {
			c.logger.Debug().Err(err).Msg("write failed")
			return false
		}
		return true
	}

	for {
		select {
		case msg := <-c.client.Send:
			if !write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			// flush whatever is already queued, e.g. the session:closed frame
			for {
				select {
				case msg := <-c.client.Send:
					if !write(websocket.TextMessage, msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *WebSocketHandler) HandleWebSocket(ws *websocket.Conn) {
	defer func() {
		_ = ws.Close()
	}()

	client := models.NewClient(ws.RemoteAddr().String(), h.cfg.SendBuffer)
	conn := &connection{
		client: client,
		ws:     ws,
		done:   make(chan struct{}),
		logger: h.logger.With().Str("conn_id", client.Id.String()).Logger(),
	}

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		conn.writeLoop(h.cfg.PingInterval, h.cfg.WriteWait)
	}()

	pongWait := h.cfg.PingInterval + h.cfg.WriteWait
	ws.SetReadLimit(int64(h.cfg.MaxMessageBytes) * 16)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	conn.logger.Debug().Str("remote", client.RemoteAddr).Msg("connection opened")
	defer func() {
		if conn.session != nil {
			conn.session.Detach(conn.ID())
		}
		close(conn.done)
		writer.Wait()
		conn.logger.Debug().Msg("connection closed")
	}()

	ideaID := ws.Params("ideaId")
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		received := time.Now()

		if messageType != websocket.TextMessage {
			conn.fail(services.CodeInvalidMessage, "only text frames are accepted")
			continue
		}
		if len(data) > h.cfg.MaxMessageBytes {
			conn.fail(services.CodeMessageTooLarge, fmt.Sprintf("message exceeds %d bytes", h.cfg.MaxMessageBytes))
			continue
		}

		in, err := models.DecodeInbound(data)
		if _, heartbeat := in.(models.Heartbeat); !heartbeat && !client.Allow(received, h.cfg.MessageRateLimit) {
			conn.fail(services.CodeRateLimited, "too many messages, slow down")
			continue
		}
		if err != nil {
			conn.fail(services.ErrorCode(err), err.Error())
			continue
		}

		if conn.session != nil {
			conn.session.Touch()
		}
		h.dispatch(conn, ideaID, in, received)
		if h.Sampler != nil {
			h.Sampler.RecordUserInteractionTime(float64(time.Since(received).Microseconds()) / 1000)
		}
	}
}

func (h *WebSocketHandler) dispatch(conn *connection, ideaID string, in models.Inbound, received time.Time) {
	if init, ok := in.(models.ClientInit); ok {
		h.join(conn, ideaID, init)
		return
	}

	s := conn.session
	switch {
	case s == nil:
		conn.fail(services.CodeNotJoined, "send client.init first")
		return
	case s.Closed():
		conn.session = nil
		conn.fail(services.CodeSessionClosed, "session is closed, send client.init to start a new one")
		return
	}

	switch m := in.(type) {
	case models.MessageSend:
		round := -1
		if m.Round != nil {
			round = *m.Round
		}
		s.RecordMessage(models.Message{
			SenderType: models.SenderUser,
			SenderID:   conn.senderID(),
			SenderName: conn.senderID(),
			Text:       m.Content,
			Round:      round,
		})

	case models.PredictionSubmit:
		userID := conn.client.UserID
		if userID == "" && h.Verifier == nil {
			userID = m.UserID
		}
		timeout := h.predictionTimeout()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := s.SubmitPrediction(ctx, conn.ID(), userID, m.PredictedValue, m.StakeAmount); err != nil {
				conn.logger.Debug().Err(err).Str("user_id", userID).Msg("prediction rejected")
			}
		}()

	case models.Heartbeat:
		now := time.Now()
		if m.ClientTimestamp > 0 && h.Sampler != nil {
			if latency := received.UnixMilli() - m.ClientTimestamp; latency >= 0 {
				h.Sampler.RecordWebSocketLatency(float64(latency))
			}
		}
		conn.Deliver(models.NewEvent(models.EventHeartbeatAck, models.HeartbeatAckPayload{ServerTime: now.UnixMilli()}))

	case models.DebateStart:
		if !s.AdvanceToDebate() {
			conn.logger.Debug().Str("session_id", s.ID()).Msg("duplicate debate.start ignored")
		}

	case models.SessionLeave:
		s.Detach(conn.ID())
		conn.session = nil
		conn.client.SessionID = ""

	case models.AgentSupport:
		bidder, ok := s.Participant(m.BidderID)
		if !ok {
			conn.fail(services.CodeUnknownBidder, fmt.Sprintf("no bidder %q in this session", m.BidderID))
			return
		}
		s.RecordMessage(models.Message{
			SenderType: models.SenderSystem,
			SenderID:   models.SenderSystem,
			SenderName: "system",
			Text:       fmt.Sprintf("%s is cheering for %s", conn.senderID(), bidder.Name),
			Round:      -1,
		})
	}
}

// predictionTimeout covers every debit attempt plus the backoff between them.
func (h *WebSocketHandler) predictionTimeout() time.Duration {
	return h.Service.RetryBudget() + predictionCallTime
}

// join attaches the connection to a session. With a verifier configured the
// identity comes only from a valid token; a caller-supplied userId is ignored.
func (h *WebSocketHandler) join(conn *connection, ideaID string, init models.ClientInit) {
	userID := init.UserID
	if h.Verifier != nil {
		userID = ""
		if init.Token != "" {
			uid, err := h.Verifier.UserID(init.Token)
			if err != nil {
				conn.logger.Debug().Err(err).Msg("token rejected")
				conn.fail(services.CodeInvalidToken, "token rejected, continuing anonymously")
			} else {
				userID = uid
			}
		}
	}
	if ideaID == "" {
		ideaID = init.IdeaID
	}

	if prev := conn.session; prev != nil {
		if prev.ID() == sessionIDFor(init, ideaID) && !prev.Closed() {
			conn.client.UserID = userID
			conn.Deliver(models.NewEvent(models.EventSessionUpdate, prev.Snapshot()))
			return
		}
		prev.Detach(conn.ID())
		conn.session = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := h.Service.Join(ctx, services.JoinRequest{
		SessionID: init.SessionID,
		IdeaID:    ideaID,
		UserID:    userID,
	}, conn)
	if err != nil {
		level := zerolog.WarnLevel
		if errors.Is(err, services.ErrSessionFull) {
			level = zerolog.InfoLevel
		}
		conn.logger.WithLevel(level).Err(err).Str("idea_id", ideaID).Msg("join failed")
		conn.fail(services.ErrorCode(err), err.Error())
		return
	}
	s.Touch()
	conn.session = s
	conn.client.SessionID = s.ID()
	conn.client.UserID = userID
	conn.logger.Info().Str("session_id", s.ID()).Str("user_id", userID).Msg("client joined")
}

func (c *connection) senderID() string {
	if c.client.UserID != "" {
		return c.client.UserID
	}
	return "anonymous"
}

func sessionIDFor(init models.ClientInit, ideaID string) string {
	if init.SessionID != "" {
		return init.SessionID
	}
	return ideaID
}
