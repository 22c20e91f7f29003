package core

import "time"

// IncomingMessage is the adapter-neutral form of an external observation.
// Transport adapters translate their wire formats into this and hand it to
// the task manager, which turns it into a task.
type IncomingMessage struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsBot      bool      `json:"is_bot,omitempty"`
}

// FetchedMessage is one message returned by a communication provider when a
// handler observes a channel.
type FetchedMessage struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsBot      bool      `json:"is_bot,omitempty"`
}
