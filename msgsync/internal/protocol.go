package internal

import "encoding/json"

const (
	ProtocolVersion = 1

	InboundHello = "hello"

	OutboundEvent = "event"
	OutboundError = "error"
	OutboundReady = "ready"

	// StatusUnauthorized is the close code a server uses to reject a credential.
	StatusUnauthorized = 4001
	// StatusForbidden is the close code a server uses for a revoked session.
	StatusForbidden = 4003
)

// Inbound represents the envelope from client to server.
type Inbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Outbound is the envelope server -> client.
type Outbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorFrame     `json:"error,omitempty"`
}

// HelloPayload initiates the session.
type HelloPayload struct {
	Protocol int    `json:"protocol,omitempty"`
	Token    string `json:"token,omitempty"`
}

// ErrorFrame describes a protocol error.
type ErrorFrame struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e *ErrorFrame) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Msg
}
