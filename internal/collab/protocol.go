package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind enumerates the protocol messages exchanged over a document room.
type EventKind string

const (
	// EventJoinDocument is sent by a client to enter a document room.
	EventJoinDocument EventKind = "join-document"
	// EventDocumentState carries the full encoded document state to a joiner.
	EventDocumentState EventKind = "document-state"
	// EventSyncUpdate carries an incremental document update in either direction.
	EventSyncUpdate EventKind = "sync-update"
	// EventCursorUpdate carries a participant's cursor and selection.
	EventCursorUpdate EventKind = "cursor-update"
	// EventTypingStart signals that a participant began typing.
	EventTypingStart EventKind = "typing-start"
	// EventTypingStop signals that a participant stopped typing.
	EventTypingStop EventKind = "typing-stop"
	// EventUserJoined notifies the room about a new participant.
	EventUserJoined EventKind = "user-joined"
	// EventUserLeft notifies the room that a participant left.
	EventUserLeft EventKind = "user-left"
	// EventLeaveDocument is sent by a client to exit a document room.
	EventLeaveDocument EventKind = "leave-document"
	// EventSaveStatus reports persistence health for the document.
	EventSaveStatus EventKind = "save-status"
)

var (
	// ErrInvalidEnvelope indicates a frame that is not a recognizable protocol message.
	ErrInvalidEnvelope = errors.New("collab: invalid protocol envelope")
	// ErrInvalidPayload indicates a well-formed envelope with an unusable payload.
	ErrInvalidPayload = errors.New("collab: invalid protocol payload")
)

// Envelope is the tagged wire frame wrapping every protocol event.
type Envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses a wire frame and validates its event kind.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch envelope.Kind {
	case EventJoinDocument, EventDocumentState, EventSyncUpdate, EventCursorUpdate,
		EventTypingStart, EventTypingStop, EventUserJoined, EventUserLeft,
		EventLeaveDocument, EventSaveStatus:
		return envelope, nil
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, envelope.Kind)
	}
}

// EncodeEvent serializes an event kind and payload into a wire frame.
func EncodeEvent(kind EventKind, payload interface{}) ([]byte, error) {
	envelope := Envelope{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = raw
	}
	return json.Marshal(envelope)
}

// JoinPayload identifies the joining participant and the target document.
type JoinPayload struct {
	DocumentID  string `json:"document_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

// DecodeJoinPayload validates the join-document payload.
func DecodeJoinPayload(raw json.RawMessage) (JoinPayload, error) {
	var payload JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return JoinPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.DocumentID) == "" {
		return JoinPayload{}, fmt.Errorf("%w: join without document id", ErrInvalidPayload)
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return JoinPayload{}, fmt.Errorf("%w: join without user id", ErrInvalidPayload)
	}
	return payload, nil
}

// SyncUpdatePayload carries a base64-encoded incremental document update.
type SyncUpdatePayload struct {
	DocumentID string `json:"document_id"`
	UpdateB64  string `json:"update_b64"`
}

// DecodeSyncUpdatePayload validates the sync-update payload shape. The
// update itself is decoded separately so malformed updates can be dropped
// without tearing down the connection.
func DecodeSyncUpdatePayload(raw json.RawMessage) (SyncUpdatePayload, error) {
	var payload SyncUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SyncUpdatePayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.UpdateB64) == "" {
		return SyncUpdatePayload{}, fmt.Errorf("%w: sync-update without payload", ErrInvalidPayload)
	}
	return payload, nil
}

// CursorPayload carries a participant's cursor position and optional selection.
type CursorPayload struct {
	DocumentID     string `json:"document_id"`
	Position       int    `json:"position"`
	SelectionStart *int   `json:"selection_start,omitempty"`
	SelectionEnd   *int   `json:"selection_end,omitempty"`
}

// DecodeCursorPayload validates the cursor-update payload.
func DecodeCursorPayload(raw json.RawMessage) (CursorPayload, error) {
	var payload CursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return CursorPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Position < 0 {
		return CursorPayload{}, fmt.Errorf("%w: negative cursor position", ErrInvalidPayload)
	}
	return payload, nil
}

// DocumentStatePayload initializes a joining client.
type DocumentStatePayload struct {
	DocumentID string            `json:"document_id"`
	Title      string            `json:"title"`
	StateB64   string            `json:"state_b64"`
	Roster     []ParticipantInfo `json:"roster"`
}

// PresencePayload notifies the room about roster changes.
type PresencePayload struct {
	Participant ParticipantInfo   `json:"participant"`
	Roster      []ParticipantInfo `json:"roster"`
}

// SaveStatusPayload reports persistence health to the room.
type SaveStatusPayload struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// ParticipantInfo is the wire representation of a connected participant.
type ParticipantInfo struct {
	ConnectionID   string `json:"connection_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email,omitempty"`
	Color          string `json:"color"`
	CursorPosition int    `json:"cursor_position"`
	SelectionStart *int   `json:"selection_start,omitempty"`
	SelectionEnd   *int   `json:"selection_end,omitempty"`
}
