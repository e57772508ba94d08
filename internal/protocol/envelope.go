package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/studyhive/studyhive/internal/timer"
)

// Type identifies a message kind in the envelope's tagged union.
type Type string

const (
	TypeCursor         Type = "cursor"
	TypePresence       Type = "presence"
	TypePresenceRoster Type = "presence-roster"
	TypePresenceUpdate Type = "presence-update"
	TypeChat           Type = "chat"
	TypeTimerSync      Type = "timer-sync"
	TypeUserAction     Type = "user-action"
	TypeAdminAction    Type = "admin-action"
	TypeError          Type = "error"
)

const (
	// MaxFrameBytes bounds a raw inbound websocket frame.
	MaxFrameBytes = 4096
	// MaxPayloadBytes bounds the data field of one envelope.
	MaxPayloadBytes = 2048
)

// ErrMalformed is the root of all gateway-boundary decode and
// validation failures. Malformed frames never reach a room session.
var ErrMalformed = errors.New("malformed message")

// inboundTypes are the kinds a client may send. presence-roster doubles
// as a client request for a fresh full roster.
var inboundTypes = map[Type]bool{
	TypeCursor:         true,
	TypePresence:       true,
	TypePresenceRoster: true,
	TypeChat:           true,
	TypeTimerSync:      true,
	TypeUserAction:     true,
	TypeAdminAction:    true,
}

// Envelope is the wire artifact carried on every connection, in both
// directions. It is immutable once constructed.
type Envelope struct {
	Type      Type            `json:"type"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode parses and validates one inbound frame. Unknown kinds are
// rejected, not silently accepted.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, len(raw))
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !inboundTypes[env.Type] {
		return nil, fmt.Errorf("%w: unknown or outbound-only type %q", ErrMalformed, env.Type)
	}
	if env.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrMalformed)
	}
	if len(env.Data) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformed, len(env.Data))
	}
	return &env, nil
}

// NewEnvelope builds an outbound envelope with a marshaled payload.
func NewEnvelope(t Type, userID, username string, payload any, now time.Time) (*Envelope, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		data = b
	}
	return &Envelope{
		Type:      t,
		UserID:    userID,
		Username:  username,
		Data:      data,
		Timestamp: now,
	}, nil
}

// Marshal renders the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Critical reports whether a kind must survive backpressure. Slow
// consumers keep timer and presence convergence; chat history is
// expendable for them.
func (t Type) Critical() bool {
	switch t {
	case TypeTimerSync, TypePresenceRoster, TypePresenceUpdate, TypeError:
		return true
	}
	return false
}

// Participant is the roster snapshot entry carried on the wire and in
// the persisted room record.
type Participant struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// TimerCommandPayload is the inbound timer-sync payload: one command
// against the room's timer state machine.
type TimerCommandPayload struct {
	Command         string     `json:"command"` // start | pause | resume | reset | set-duration
	Mode            timer.Mode `json:"mode,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
}

// TimerSyncPayload is the outbound timer-sync payload: the
// authoritative snapshot every client reconciles to.
type TimerSyncPayload struct {
	State                timer.State `json:"state"`
	Mode                 timer.Mode  `json:"mode"`
	TimeRemainingSeconds int         `json:"timeRemainingSeconds"`
	ServerTime           time.Time   `json:"serverTime"`
}

// RosterPayload carries the full participant list for presence-roster.
type RosterPayload struct {
	Participants []Participant `json:"participants"`
}

// Presence update actions.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// PresenceUpdatePayload carries a single join or leave delta.
type PresenceUpdatePayload struct {
	Action      string      `json:"action"`
	Participant Participant `json:"participant"`
}

// Admin actions.
const (
	AdminKick            = "kick"
	AdminTransferControl = "transfer-control"
)

// AdminActionPayload is the inbound admin-action payload.
type AdminActionPayload struct {
	Action       string `json:"action"`
	TargetUserID string `json:"targetUserId"`
}

// Error codes surfaced to the issuing connection.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeUnauthorized      = "unauthorized"
	CodeMalformedMessage  = "malformed_message"
	CodeRoomNotFound      = "room_not_found"
)

// ErrorPayload is the scoped rejection notice for a single command.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParsePayload decodes an envelope's data into its typed payload.
// Kinds whose payloads are opaque to the core return the raw bytes.
func ParsePayload(env *Envelope) (any, error) {
	switch env.Type {
	case TypeTimerSync:
		var p TimerCommandPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: timer-sync payload: %v", ErrMalformed, err)
		}
		return p, nil
	case TypePresenceUpdate:
		var p PresenceUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: presence-update payload: %v", ErrMalformed, err)
		}
		return p, nil
	case TypePresenceRoster:
		var p RosterPayload
		if len(env.Data) == 0 {
			// A bare presence-roster from a client is a refresh request.
			return RosterPayload{}, nil
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: presence-roster payload: %v", ErrMalformed, err)
		}
		return p, nil
	case TypeAdminAction:
		var p AdminActionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: admin-action payload: %v", ErrMalformed, err)
		}
		return p, nil
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: error payload: %v", ErrMalformed, err)
		}
		return p, nil
	default:
		return env.Data, nil
	}
}
