package models

import (
	"time"

	"github.com/google/uuid"
)

// Client is one attached WebSocket connection.
type Client struct {
	Id          uuid.UUID `json:"clientid"`
	UserID      string    `json:"userId,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`

	Send chan []byte `json:"-"`

	windowStart time.Time
	windowCount int
}

func NewClient(remoteAddr string, buffer int) *Client {
	return &Client{
		Id:          uuid.New(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		Send:        make(chan []byte, buffer),
	}
}

// Allow counts one inbound message against a fixed one-minute window.
// Only the connection's read loop calls it.
func (c *Client) Allow(now time.Time, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	if c.windowStart.IsZero() || now.Sub(c.windowStart) >= time.Minute {
		c.windowStart = now
		c.windowCount = 0
	}
	if c.windowCount >= perMinute {
		return false
	}
	c.windowCount++
	return true
}
