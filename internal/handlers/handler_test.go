package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latestcomment/idea-bidding/internal/auth"
	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/services"
	"github.com/latestcomment/idea-bidding/internal/store"
)

var roster = []models.Bidder{
	{ID: "tech-pioneer-alex", Name: "Alex", Specialty: "technical feasibility", Style: "balanced"},
	{ID: "scholar-li", Name: "Li", Specialty: "research", Style: "conservative"},
}

type testServer struct {
	addr     string
	app      *fiber.App
	db       *store.SQLite
	sessions *services.SessionService
	monitor  *services.OperationMonitor
}

type serverOptions struct {
	session   services.SessionConfig
	transport TransportConfig
	bidders   bool
	jwtSecret string
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	db, err := store.NewSQLite(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.CreateUser(ctx, models.UserSummary{ID: "u1", Name: "Mia", Credits: 100}))
	require.NoError(t, db.CreateIdea(ctx, models.IdeaSummary{ID: "idea-1", Title: "Solar kiosk", Category: "energy"}))

	if opts.session.MaxRounds == 0 {
		opts.session.MaxRounds = 3
	}
	monitor := services.NewOperationMonitor(time.Hour, logger)
	sampler := services.NewPerformanceSampler(100)
	coordinator := services.NewRetryCoordinator(monitor, sampler, 1, time.Millisecond, logger)
	var bidders services.BidRequester
	if opts.bidders {
		bidders = services.NewAgentDispatcher(nil, time.Second, logger)
	}
	sessions := services.NewSessionService(services.SessionServiceConfig{Session: opts.session, Roster: roster},
		db, db, coordinator, sampler, bidders, nil, logger)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h := NewHandler(sessions, monitor, sampler, db, nil, map[string]HealthChecker{"ledger": db})
	ws := NewWebSocketHandler(sessions, sampler, auth.NewVerifier(opts.jwtSecret), opts.transport, logger)
	Register(app, h, ws, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(time.Second) })

	return &testServer{addr: ln.Addr().String(), app: app, db: db, sessions: sessions, monitor: monitor}
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsClient struct {
	t    *testing.T
	conn *fws.Conn
}

func (s *testServer) dial(t *testing.T, ideaID string) *wsClient {
	t.Helper()
	conn, _, err := fws.DefaultDialer.Dial("ws://"+s.addr+"/api/bidding/"+ideaID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msgType string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}))
}

// next returns the next frame of the given type, skipping others.
func (c *wsClient) next(eventType string) frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", eventType)
		if f.Type == eventType {
			return f
		}
	}
}

func (c *wsClient) nextError() models.ErrorPayload {
	c.t.Helper()
	var p models.ErrorPayload
	require.NoError(c.t, json.Unmarshal(c.next(models.EventError).Payload, &p))
	return p
}

// quiet sends a heartbeat and fails if an error frame arrives before its ack.
func (c *wsClient) quiet() {
	c.t.Helper()
	c.send(models.TypeHeartbeat, map[string]any{"clientTimestamp": time.Now().UnixMilli()})
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		require.NotEqual(c.t, models.EventError, f.Type, "unexpected error frame: %s", f.Payload)
		if f.Type == models.EventHeartbeatAck {
			return
		}
	}
}

func (c *wsClient) nextSession() models.BiddingSession {
	c.t.Helper()
	var snap models.BiddingSession
	require.NoError(c.t, json.Unmarshal(c.next(models.EventSessionUpdate).Payload, &snap))
	return snap
}

func TestWebSocketJoinAndStartDebate(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	c := srv.dial(t, "idea-1")

	c.send(models.TypeClientInit, map[string]any{"userId": "u1"})
	snap := c.nextSession()
	assert.Equal(t, "idea-1", snap.SessionID)
	assert.Equal(t, models.StageInit, snap.Stage)
	assert.Equal(t, "Solar kiosk", snap.Idea.Title)

	c.send(models.TypeDebateStart, nil)
	snap = c.nextSession()
	assert.Equal(t, models.StageAgentDebate, snap.Stage)

	c.send(models.TypeMessageSend, map[string]any{"content": "we already have pilots"})
	var msg models.Message
	for msg.SenderType != models.SenderUser {
		require.NoError(t, json.Unmarshal(c.next(models.EventMessageNew).Payload, &msg))
	}
	assert.Equal(t, "we already have pilots", msg.Text)
	assert.Equal(t, "u1", msg.SenderID)

	c.send(models.TypeDebateStart, nil)
	c.quiet()
	assert.Equal(t, models.StageAgentDebate, srv.sessions.Get("idea-1").Stage())
}

func TestWebSocketErrorsKeepConnectionOpen(t *testing.T) {
	srv := newTestServer(t, serverOptions{transport: TransportConfig{MaxMessageBytes: 128}})
	c := srv.dial(t, "idea-1")

	c.send("bid.place", map[string]any{})
	assert.Equal(t, services.CodeUnknownMessageType, c.nextError().Code)

	c.send(models.TypeMessageSend, map[string]any{"content": "hello"})
	assert.Equal(t, services.CodeNotJoined, c.nextError().Code)

	require.NoError(t, c.conn.WriteMessage(fws.TextMessage, []byte("{not json")))
	assert.Equal(t, services.CodeInvalidMessage, c.nextError().Code)

	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	c.send(models.TypeMessageSend, map[string]any{"content": string(big)})
	assert.Equal(t, services.CodeMessageTooLarge, c.nextError().Code)

	c.send(models.TypeHeartbeat, map[string]any{"timestamp": time.Now().UnixMilli()})
	c.next(models.EventHeartbeatAck)
}

func TestWebSocketJoinUnknownIdea(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	c := srv.dial(t, "missing-idea")

	c.send(models.TypeClientInit, map[string]any{})
	assert.Equal(t, services.CodeSessionCreationFailed, c.nextError().Code)
	assert.Zero(t, srv.sessions.Count())
}

func TestWebSocketRateLimitExemptsHeartbeat(t *testing.T) {
	srv := newTestServer(t, serverOptions{transport: TransportConfig{MessageRateLimit: 2}})
	c := srv.dial(t, "idea-1")

	c.send(models.TypeClientInit, map[string]any{})
	c.nextSession()
	c.send(models.TypeMessageSend, map[string]any{"content": "one"})
	c.send(models.TypeMessageSend, map[string]any{"content": "two"})
	assert.Equal(t, services.CodeRateLimited, c.nextError().Code)

	c.send(models.TypeHeartbeat, nil)
	c.next(models.EventHeartbeatAck)
}

func TestWebSocketPredictionFlow(t *testing.T) {
	srv := newTestServer(t, serverOptions{
		session: services.SessionConfig{MaxRounds: 1, AutoAdvance: true},
		bidders: true,
	})
	c := srv.dial(t, "idea-1")

	c.send(models.TypeClientInit, map[string]any{"userId": "u1"})
	c.nextSession()
	c.send(models.TypeDebateStart, nil)

	var snap models.BiddingSession
	for snap.Stage != models.StageUserPrediction {
		snap = c.nextSession()
	}
	require.Len(t, snap.Bids, len(roster))
	final := snap.HighestBid()

	c.send(models.TypePredictionSubmit, map[string]any{"userId": "u1", "predictedValue": final, "stakeAmount": 10})
	var result models.PredictionResultPayload
	require.NoError(t, json.Unmarshal(c.next(models.EventPredictionResult).Payload, &result))
	assert.Equal(t, final, result.Result.FinalValue)
	assert.Equal(t, int64(20), result.Result.Reward)
	assert.Equal(t, int64(90), result.Prediction.BalanceAfter)

	require.Eventually(t, func() bool {
		u, err := srv.db.ResolveUser(context.Background(), "u1")
		return err == nil && u.Credits == 110
	}, 2*time.Second, 10*time.Millisecond)

	c.send(models.TypePredictionSubmit, map[string]any{"userId": "u1", "predictedValue": 1, "stakeAmount": 10})
	assert.Equal(t, services.CodeDuplicatePrediction, c.nextError().Code)
}

func TestWebSocketInsufficientCredits(t *testing.T) {
	srv := newTestServer(t, serverOptions{
		session: services.SessionConfig{MaxRounds: 1, AutoAdvance: true},
		bidders: true,
	})
	c := srv.dial(t, "idea-1")
	c.send(models.TypeClientInit, map[string]any{"userId": "u1"})
	c.send(models.TypeDebateStart, nil)
	for c.nextSession().Stage != models.StageUserPrediction {
	}

	c.send(models.TypePredictionSubmit, map[string]any{"userId": "u1", "predictedValue": 100, "stakeAmount": 500})
	assert.Equal(t, services.CodeCreditDebitFailed, c.nextError().Code)
	assert.Len(t, srv.monitor.GetFailedOperations(), 1)
	assert.Equal(t, models.StageUserPrediction, srv.sessions.Get("idea-1").Stage())
}

func TestWebSocketTokenIdentity(t *testing.T) {
	srv := newTestServer(t, serverOptions{jwtSecret: "s3cret"})
	token, err := auth.NewVerifier("s3cret").Issue("u1", time.Minute)
	require.NoError(t, err)

	// the token's subject wins over a spoofed userId
	good := srv.dial(t, "idea-1")
	good.send(models.TypeClientInit, map[string]any{"userId": "ghost", "token": token})
	good.nextSession()

	bad := srv.dial(t, "idea-1")
	bad.send(models.TypeClientInit, map[string]any{"userId": "u1", "token": "forged"})
	assert.Equal(t, services.CodeInvalidToken, bad.nextError().Code)
	snap := bad.nextSession()
	assert.Equal(t, 2, snap.Viewers)
}

func TestWebSocketAnonymousCannotStakeNamedUser(t *testing.T) {
	srv := newTestServer(t, serverOptions{
		session:   services.SessionConfig{MaxRounds: 1, AutoAdvance: true},
		bidders:   true,
		jwtSecret: "s3cret",
	})
	c := srv.dial(t, "idea-1")
	c.send(models.TypeClientInit, map[string]any{"userId": "u1", "token": "garbage"})
	assert.Equal(t, services.CodeInvalidToken, c.nextError().Code)
	c.send(models.TypeDebateStart, nil)
	for c.nextSession().Stage != models.StageUserPrediction {
	}

	c.send(models.TypePredictionSubmit, map[string]any{"userId": "u1", "predictedValue": 100, "stakeAmount": 50})
	assert.Equal(t, services.CodeAuthRequired, c.nextError().Code)

	u, err := srv.db.ResolveUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.Credits)
	assert.Nil(t, srv.sessions.Get("idea-1").Snapshot().Prediction)
}

func TestWebSocketUntokenedInitIsAnonymousWhenVerifying(t *testing.T) {
	srv := newTestServer(t, serverOptions{
		session:   services.SessionConfig{MaxRounds: 1, AutoAdvance: true},
		bidders:   true,
		jwtSecret: "s3cret",
	})
	c := srv.dial(t, "idea-1")
	c.send(models.TypeClientInit, map[string]any{"userId": "u1"})
	c.send(models.TypeDebateStart, nil)
	for c.nextSession().Stage != models.StageUserPrediction {
	}

	c.send(models.TypePredictionSubmit, map[string]any{"predictedValue": 100, "stakeAmount": 50})
	assert.Equal(t, services.CodeAuthRequired, c.nextError().Code)
}

func TestWebSocketJoinResetsIdleTimer(t *testing.T) {
	srv := newTestServer(t, serverOptions{session: services.SessionConfig{IdleTimeout: 600 * time.Millisecond}})
	a := srv.dial(t, "idea-1")
	a.send(models.TypeClientInit, map[string]any{})
	a.nextSession()

	time.Sleep(400 * time.Millisecond)
	b := srv.dial(t, "idea-1")
	b.send(models.TypeClientInit, map[string]any{})
	b.nextSession()

	// past the first deadline, before the one reset by the second join
	time.Sleep(350 * time.Millisecond)
	assert.NotNil(t, srv.sessions.Get("idea-1"))

	require.Eventually(t, func() bool { return srv.sessions.Get("idea-1") == nil }, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketLeaveAndViewerCount(t *testing.T) {
	srv := newTestServer(t, serverOptions{session: services.SessionConfig{MaxViewers: 1}})
	a := srv.dial(t, "idea-1")
	a.send(models.TypeClientInit, map[string]any{})
	a.nextSession()

	b := srv.dial(t, "idea-1")
	b.send(models.TypeClientInit, map[string]any{})
	assert.Equal(t, services.CodeSessionFull, b.nextError().Code)

	a.send(models.TypeSessionLeave, nil)
	require.Eventually(t, func() bool {
		s := srv.sessions.Get("idea-1")
		return s != nil && s.Snapshot().Viewers == 0
	}, 2*time.Second, 10*time.Millisecond)

	b.send(models.TypeClientInit, map[string]any{})
	assert.Equal(t, 1, b.nextSession().Viewers)
}

func TestHTTPRoutes(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	c := srv.dial(t, "idea-1")
	c.send(models.TypeClientInit, map[string]any{})
	c.nextSession()

	resp, err := srv.app.Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/sessions/idea-1", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var snap models.BiddingSession
	body, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, models.StageInit, snap.Stage)

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/sessions/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/metrics", nil))
	require.NoError(t, err)
	var metrics map[string]json.RawMessage
	body, _ = io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(body, &metrics))
	assert.Contains(t, metrics, "performance")
	assert.Contains(t, metrics, "operations")

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/operations/failed", nil))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.JSONEq(t, "[]", string(body))

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/ideas/idea-1/sessions", nil))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ideaId":"idea-1","live":["idea-1"],"archived":[]}`, string(body))

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/bidding/idea-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestUserTransactionsAfterPrediction(t *testing.T) {
	srv := newTestServer(t, serverOptions{
		session: services.SessionConfig{MaxRounds: 1, AutoAdvance: true},
		bidders: true,
	})
	c := srv.dial(t, "idea-1")
	c.send(models.TypeClientInit, map[string]any{"userId": "u1"})
	c.send(models.TypeDebateStart, nil)
	for c.nextSession().Stage != models.StageUserPrediction {
	}
	c.send(models.TypePredictionSubmit, map[string]any{"userId": "u1", "predictedValue": 0, "stakeAmount": 5})
	c.next(models.EventPredictionResult)

	resp, err := srv.app.Test(httptest.NewRequest("GET", "/api/users/u1/transactions?limit=5", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var txs []store.Transaction
	body, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(body, &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, services.OperationPredictionStake, txs[0].Type)
	assert.Equal(t, int64(100), txs[0].BalanceBefore)
	assert.Equal(t, int64(95), txs[0].BalanceAfter)

	resp, err = srv.app.Test(httptest.NewRequest("GET", "/api/users/u1/transactions?limit=500", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
