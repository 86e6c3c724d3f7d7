package pushserver

import (
	"time"

	"shelfd/internal/events"
)

// Message types exchanged over the push channel.
const (
	TypeHello    = "hello"
	TypeProgress = "progress"
	TypeLibrary  = "library"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
)

// Message is one JSON frame. Only the fields relevant to Type are set.
type Message struct {
	Type      string                 `json:"type"`
	ClientID  string                 `json:"client_id,omitempty"`
	BookID    string                 `json:"book_id,omitempty"`
	Position  string                 `json:"position,omitempty"`
	Percent   float64                `json:"percent,omitempty"`
	Device    string                 `json:"device,omitempty"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
	Library   *events.LibraryChanged `json:"library,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func progressMessage(p events.ProgressSaved) Message {
	at := p.UpdatedAt
	return Message{
		Type:      TypeProgress,
		BookID:    p.BookID,
		Position:  p.Position,
		Percent:   p.Percent,
		Device:    p.Device,
		UpdatedAt: &at,
	}
}
