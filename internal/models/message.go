package models

import "time"

const (
	SenderUser   = "user"
	SenderSystem = "system"
	SenderBidder = "bidder"
)

// Message is one chat entry in a session transcript.
type Message struct {
	SenderType string    `json:"senderType"` // "user", "system" or "bidder"
	SenderID   string    `json:"senderId"`   // user id, bidder id or "system"
	SenderName string    `json:"sender"`
	Text       string    `json:"text"`
	Round      int       `json:"round"`
	Timestamp  time.Time `json:"timestamp"`
}
