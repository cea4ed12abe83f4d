package collaboration

import (
	"encoding/json"

	"collab-editor/internal/models"
)

// Event names carried in the envelope's "event" field.
const (
	EventJoinDocument    = "join-document"
	EventLeaveDocument   = "leave-document"
	EventDocumentContent = "document-content"
	EventDocumentChange  = "document-change"
	EventCursorPosition  = "cursor-position"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventActiveUsers     = "active-users"
	EventError           = "error"
)

// Envelope is the shape of every websocket frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads

type JoinRequest struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

type LeaveRequest struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId,omitempty"`
}

type ChangeRequest struct {
	DocumentID string          `json:"documentId"`
	Change     json.RawMessage `json:"change"`
	UserID     string          `json:"userId"`
}

type CursorRequest struct {
	DocumentID string          `json:"documentId"`
	Position   json.RawMessage `json:"position"`
	UserID     string          `json:"userId"`
}

// Outbound payloads

type ChangeBroadcast struct {
	Change  json.RawMessage `json:"change"`
	UserID  string          `json:"userId"`
	Version int64           `json:"version"`
}

type CursorBroadcast struct {
	UserID       string          `json:"userId"`
	Position     json.RawMessage `json:"position"`
	ConnectionID string          `json:"connectionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// encode builds a complete frame. Payloads are plain structs, so a marshal
// failure is a programming error and panics.
func encode(event string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		panic("collaboration: encode " + event + ": " + err.Error())
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		panic("collaboration: encode " + event + ": " + err.Error())
	}
	return frame
}

func userJoinedFrame(p models.Presence) []byte { return encode(EventUserJoined, p) }

func userLeftFrame(p models.Presence) []byte { return encode(EventUserLeft, p) }

func activeUsersFrame(members []models.Presence) []byte {
	if members == nil {
		members = []models.Presence{}
	}
	return encode(EventActiveUsers, members)
}

// contentOf extracts the new document body from a change payload.
// A missing, null or empty "content" yields ok=false and the caller keeps the
// stored body. Non-string content is stored as its JSON text.
func contentOf(change json.RawMessage) (string, bool) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(change, &body); err != nil || len(body.Content) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(body.Content, &s); err == nil {
		return s, s != ""
	}
	switch string(body.Content) {
	case "null", "false", "0":
		return "", false
	}
	return string(body.Content), true
}
