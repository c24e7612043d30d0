// Package gateway relays CRD updates and presence between connected editors of a document.
//
// A client opens a websocket on /api/v1/sync and sends a handshake frame. The server answers
// with a handshake frame carrying ok=true and its state vector, or ok=false with a reason, after
// which the connection is closed. Admitted clients exchange sync frames (state vector in, delta
// and server vector out), send update frames that are acknowledged once durably applied, and
// may broadcast awareness payloads that are relayed without being stored.
package gateway

import "encoding/json"

// Frame types.
const (
	FrameHandshake = "handshake"
	FrameSync      = "sync"
	FrameUpdate    = "update"
	FrameAck       = "ack"
	FrameAwareness = "awareness"
	FrameError     = "error"
	FrameClose     = "close"
)

// Reasons carried by rejected handshakes, error frames and close frames.
const (
	ReasonProtocolMismatch = "protocol_mismatch"
	ReasonVersionTooOld    = "version_too_old"
	ReasonForbidden        = "forbidden"
	ReasonNotFound         = "not_found"
	ReasonReadOnly         = "read_only"
	ReasonInvalidFrame     = "invalid_frame"
	ReasonInvalidUpdate    = "invalid_update"
	ReasonStorageFailure   = "storage_failure"
	ReasonUnavailable      = "unavailable"
	ReasonShuttingDown     = "shutting_down"
)

// Frame is the JSON envelope exchanged in both directions. Byte fields travel base64-encoded.
type Frame struct {
	Type string `json:"type"`

	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	ClientVersion   string `json:"clientVersion,omitempty"`
	DocumentID      string `json:"documentId,omitempty"`
	AuthToken       string `json:"authToken,omitempty"`

	OK      *bool  `json:"ok,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Role    string `json:"role,omitempty"`
	UserID  string `json:"userId,omitempty"`

	StateVector []byte          `json:"stateVector,omitempty"`
	Update      []byte          `json:"update,omitempty"`
	Seq         uint64          `json:"seq,omitempty"`
	Awareness   json.RawMessage `json:"awareness,omitempty"`
}

// Accepted reports whether a handshake response admitted the session.
func (f Frame) Accepted() bool {
	return f.OK != nil && *f.OK
}

// Fatal reports whether the reason can only be resolved by the user or an administrator.
// Clients must not reconnect automatically after a fatal rejection.
func Fatal(reason string) bool {
	switch reason {
	case ReasonProtocolMismatch, ReasonVersionTooOld, ReasonForbidden, ReasonNotFound, ReasonInvalidFrame:
		return true
	default:
		return false
	}
}

func acceptedHandshake(stateVector []byte, role string) Frame {
	ok := true
	return Frame{Type: FrameHandshake, OK: &ok, StateVector: stateVector, Role: role}
}

func rejectedHandshake(reason, message string) Frame {
	ok := false
	return Frame{Type: FrameHandshake, OK: &ok, Reason: reason, Message: message}
}

// State is the lifecycle position of a sync session.
type State int

const (
	StateConnecting State = iota
	StateVersionChecked
	StateAuthorizationChecked
	StateSynced
	StateDiverged
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateVersionChecked:
		return "version_checked"
	case StateAuthorizationChecked:
		return "authorization_checked"
	case StateSynced:
		return "synced"
	case StateDiverged:
		return "diverged"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
