// Package telephony defines the adapter contract the dialer engine speaks
// against. A concrete binding (internal/telephony/ami) drives an AMI-style
// manager interface; the engine never sees protocol frames.
package telephony

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConnState is the adapter connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// EventType enumerates demultiplexed domain events.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventError        EventType = "error"
	EventCallCreated  EventType = "call:created"
	EventCallRinging  EventType = "call:ringing"
	EventCallAnswered EventType = "call:answered"
	EventCallHangup   EventType = "call:hangup"
	EventCallDTMF     EventType = "call:dtmf"
	EventCallAMD      EventType = "call:amd"
)

// Event is one demultiplexed PBX event. Per-session ordering follows the
// wire; cross-session ordering is not guaranteed.
type Event struct {
	Type            EventType
	SessionToken    string
	Channel         string
	Digit           string
	HangupCause     string
	MachineDetected bool
	Err             error
	Time            time.Time
}

// Response is a correlated reply to one command.
type Response struct {
	Success bool
	Message string
	Fields  map[string]string
}

// Adapter manages one logical connection to the PBX control protocol.
type Adapter interface {
	// Connect establishes the connection and performs the login handshake.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down; idempotent.
	Disconnect() error
	// SendAction issues one command and waits for its correlated response.
	SendAction(ctx context.Context, action string, fields map[string]string) (Response, error)
	// MakeCall originates a call and returns the session token.
	MakeCall(ctx context.Context, phoneNumber string, campaignID uuid.UUID) (string, error)
	// HangupCall requests hangup for a session; best effort.
	HangupCall(ctx context.Context, sessionToken string)
	// Events exposes the demultiplexed event stream.
	Events() <-chan Event
	// State reports the current connection state.
	State() ConnState
}
