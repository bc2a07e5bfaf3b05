package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	round := 2
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{"client init", `{"type":"client.init","payload":{"sessionId":"s1","ideaId":"i1","userId":"u1"}}`,
			ClientInit{SessionID: "s1", IdeaID: "i1", UserID: "u1"}},
		{"message", `{"type":"message.send","payload":{"content":"  hi  ","round":2}}`,
			MessageSend{Content: "hi", Round: &round}},
		{"prediction", `{"type":"prediction.submit","payload":{"userId":"u1","predictedValue":120.5,"stakeAmount":10}}`,
			PredictionSubmit{UserID: "u1", PredictedValue: 120.5, StakeAmount: 10}},
		{"heartbeat without payload", `{"type":"heartbeat"}`, Heartbeat{}},
		{"heartbeat", `{"type":"heartbeat","payload":{"timestamp":1700000000000}}`, Heartbeat{ClientTimestamp: 1700000000000}},
		{"debate start", `{"type":"debate.start","payload":null}`, DebateStart{}},
		{"leave", `{"type":"session.leave"}`, SessionLeave{}},
		{"support", `{"type":"agent.support","payload":{"bidderId":"scholar-li"}}`, AgentSupport{BidderID: "scholar-li"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, TypeOf(tt.want), TypeOf(got))
		})
	}
}

func TestDecodeInboundRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"unknown type", `{"type":"bid.place","payload":{}}`, ErrUnknownMessageType},
		{"not json", `hello`, ErrInvalidMessage},
		{"missing type", `{"payload":{}}`, ErrInvalidMessage},
		{"empty content", `{"type":"message.send","payload":{"content":"   "}}`, ErrInvalidMessage},
		{"negative prediction", `{"type":"prediction.submit","payload":{"predictedValue":-1,"stakeAmount":5}}`, ErrInvalidMessage},
		{"zero stake", `{"type":"prediction.submit","payload":{"predictedValue":10,"stakeAmount":0}}`, ErrInvalidMessage},
		{"wrong payload shape", `{"type":"client.init","payload":{"sessionId":7}}`, ErrInvalidMessage},
		{"support without bidder", `{"type":"agent.support","payload":{}}`, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.raw))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEventWireShape(t *testing.T) {
	ev := ErrorEvent("WRONG_STAGE", "not now")
	assert.InDelta(t, time.Now().UnixMilli(), ev.Timestamp, 1000)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, map[string]any{"code": "WRONG_STAGE", "message": "not now"}, decoded["payload"])
}

func TestClientAllow(t *testing.T) {
	c := NewClient("127.0.0.1:1", 1)
	now := time.Now()
	for i := 0; i < 3; i++ {
		assert.True(t, c.Allow(now, 3))
	}
	assert.False(t, c.Allow(now.Add(30*time.Second), 3))
	assert.True(t, c.Allow(now.Add(61*time.Second), 3))
	assert.True(t, c.Allow(now, 0))
}

func TestSessionClone(t *testing.T) {
	orig := BiddingSession{
		Participants: []Bidder{{ID: "a"}},
		Bids:         []Bid{{BidderID: "a", Value: 10}, {BidderID: "a", Value: 30}},
		Prediction:   &Prediction{UserID: "u1"},
	}
	cp := orig.Clone()
	cp.Bids[0].Value = 99
	cp.Prediction.UserID = "u2"

	assert.Equal(t, 10.0, orig.Bids[0].Value)
	assert.Equal(t, "u1", orig.Prediction.UserID)
	assert.Equal(t, 30.0, orig.HighestBid())
	assert.True(t, orig.HasParticipant("a"))
	assert.False(t, orig.HasParticipant("b"))
}
