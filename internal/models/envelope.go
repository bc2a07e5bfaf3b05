package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Inbound message types.
const (
	TypeClientInit       = "client.init"
	TypeMessageSend      = "message.send"
	TypePredictionSubmit = "prediction.submit"
	TypeHeartbeat        = "heartbeat"
	TypeDebateStart      = "debate.start"
	TypeSessionLeave     = "session.leave"
	TypeAgentSupport     = "agent.support"
)

// Outbound event types.
const (
	EventSessionUpdate    = "session:update"
	EventMessageNew       = "message:new"
	EventBidNew           = "bid:new"
	EventPredictionResult = "prediction:result"
	EventError            = "error"
	EventSessionClosed    = "session:closed"
	EventHeartbeatAck     = "heartbeat:ack"
	EventViewerUpdate     = "viewer:update"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidMessage     = errors.New("invalid message")
)

// Inbound is the closed set of client messages. Each variant has its own payload shape.
type Inbound interface {
	inboundType() string
}

type ClientInit struct {
	SessionID string `json:"sessionId"`
	IdeaID    string `json:"ideaId"`
	UserID    string `json:"userId"`
	Token     string `json:"token"`
}

type MessageSend struct {
	Content string `json:"content"`
	Round   *int   `json:"round,omitempty"` // defaults to the session's current round
}

type PredictionSubmit struct {
	UserID         string  `json:"userId"`
	PredictedValue float64 `json:"predictedValue"`
	StakeAmount    int64   `json:"stakeAmount"`
}

type Heartbeat struct {
	ClientTimestamp int64 `json:"timestamp"` // unix millis, optional
}

type DebateStart struct{}

type SessionLeave struct{}

type AgentSupport struct {
	BidderID string `json:"bidderId"`
}

func (ClientInit) inboundType() string       { return TypeClientInit }
func (MessageSend) inboundType() string      { return TypeMessageSend }
func (PredictionSubmit) inboundType() string { return TypePredictionSubmit }
func (Heartbeat) inboundType() string        { return TypeHeartbeat }
func (DebateStart) inboundType() string      { return TypeDebateStart }
func (SessionLeave) inboundType() string     { return TypeSessionLeave }
func (AgentSupport) inboundType() string     { return TypeAgentSupport }

// TypeOf returns the wire type tag of an inbound message.
func TypeOf(in Inbound) string { return in.inboundType() }

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeInbound parses and validates a raw client frame.
// Unknown types return an error wrapping ErrUnknownMessageType; malformed frames wrap ErrInvalidMessage.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	var (
		in  Inbound
		err error
	)
	switch env.Type {
	case TypeClientInit:
		var m ClientInit
		err = decodePayload(env.Payload, &m)
		in = m
	case TypeMessageSend:
		var m MessageSend
		if err = decodePayload(env.Payload, &m); err == nil {
			m.Content = strings.TrimSpace(m.Content)
			if m.Content == "" {
				err = errors.New("content is required")
			}
		}
		in = m
	case TypePredictionSubmit:
		var m PredictionSubmit
		if err = decodePayload(env.Payload, &m); err == nil {
			switch {
			case math.IsNaN(m.PredictedValue) || m.PredictedValue < 0:
				err = errors.New("predictedValue must be a non-negative number")
			case m.StakeAmount <= 0:
				err = errors.New("stakeAmount must be positive")
			}
		}
		in = m
	case TypeHeartbeat:
		var m Heartbeat
		err = decodePayload(env.Payload, &m)
		in = m
	case TypeDebateStart:
		in = DebateStart{}
	case TypeSessionLeave:
		in = SessionLeave{}
	case TypeAgentSupport:
		var m AgentSupport
		if err = decodePayload(env.Payload, &m); err == nil && m.BidderID == "" {
			err = errors.New("bidderId is required")
		}
		in = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return in, nil
}

// decodePayload treats an absent payload as an empty object.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Event is one outbound frame.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ClosedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type HeartbeatAckPayload struct {
	ServerTime int64 `json:"serverTime"`
}

type ViewerPayload struct {
	SessionID string `json:"sessionId"`
	Viewers   int    `json:"viewers"`
}

type PredictionResultPayload struct {
	SessionID  string           `json:"sessionId"`
	Prediction Prediction       `json:"prediction"`
	Result     PredictionResult `json:"result"`
}

func ErrorEvent(code, message string) Event {
	return NewEvent(EventError, ErrorPayload{Code: code, Message: message})
}
