package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type socketMessageType int

const (
	Update socketMessageType = iota
	Welcome
	ErrorResponse
)

func (t socketMessageType) String() string {
	switch t {
	case Update:
		return fmt.Sprintf("UPDATE[%d]", t)
	case Welcome:
		return fmt.Sprintf("WELCOME[%d]", t)
	case ErrorResponse:
		return fmt.Sprintf("ERROR_RESPONSE[%d]", t)
	}

	return fmt.Sprintf("UNKNOWN[%d]", t)
}

// SocketMessage is a single message pushed to connected clients. Messages
// with a Target are delivered only to the client with the matching ID, all
// others are broadcast.
type SocketMessage struct {
	Title  string            `json:"title"`
	Body   map[string]any    `json:"arguments"`
	Type   socketMessageType `json:"type"`
	Target *uuid.UUID        `json:"-"`
}
