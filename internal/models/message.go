package models

import "time"

// Sender identifies who produced a message in the history.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAI, SenderSystem:
		return true
	}
	return false
}

type ContentType string

const (
	ContentText    ContentType = "text"
	ContentFileRef ContentType = "file_ref"
)

func (c ContentType) Valid() bool {
	return c == ContentText || c == ContentFileRef
}

// Message is one turn in a user's conversation log.
type Message struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id"`
	Sender      Sender      `json:"sender"`
	ContentType ContentType `json:"content_type"`
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
}
