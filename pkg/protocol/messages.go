// Package protocol defines the wire protocol exchanged between the browser
// agent and the domlens hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the top-level wire format for all messages. Timestamp is epoch
// milliseconds; MessageID is unique per envelope and is used by clients for
// correlating confirmations, not by the hub for dedup.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// Message type constants. Client → hub types form a closed set; anything else
// is answered with an error envelope.
const (
	// Client → Hub
	TypeElementData = "element-data"
	TypeHeartbeat   = "heartbeat"
	TypeError       = "error"

	// Hub → Client
	TypeConnectionEstablished    = "connection-established"
	TypeElementSelectedConfirmed = "element-selected-confirmed"
)

// NewEnvelope builds an envelope with a fresh message ID and the current
// timestamp. The payload is marshaled immediately so send paths never fail on
// encoding after the fact.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.New().String(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

// Reply builds an envelope that carries the correlation id of the envelope it
// answers.
func Reply(to Envelope, msgType string, payload any) (Envelope, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return Envelope{}, err
	}
	if to.MessageID != "" {
		env.MessageID = to.MessageID
	}
	return env, nil
}

// ElementData is the payload of an element-data envelope: the element the
// user is currently pointing at, as reported by the browser agent.
type ElementData struct {
	Selector   string            `json:"selector"`
	TagName    string            `json:"tagName,omitempty"`
	ElementID  string            `json:"elementId,omitempty"`
	Classes    []string          `json:"classes,omitempty"`
	InnerText  string            `json:"innerText,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	PageURL    string            `json:"pageUrl,omitempty"`
}

// Heartbeat is the payload of the client's application-level keep-alive.
type Heartbeat struct {
	SentAt int64 `json:"sentAt,omitempty"` // epoch ms, client clock
}

// ErrorReport carries a human-readable error in either direction.
type ErrorReport struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// LivenessConfig is the negotiated liveness schedule, sent to the client in
// connection-established.
type LivenessConfig struct {
	PingIntervalMs      int64 `json:"pingIntervalMs"`      // hub → client probe cadence
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"` // expected client heartbeat cadence
}

// ConnectionEstablished is sent by the hub immediately after accepting a
// connection.
type ConnectionEstablished struct {
	ConnectionID string         `json:"connectionId"`
	UserID       string         `json:"userId"`
	Liveness     LivenessConfig `json:"liveness"`
}

// ElementSelectedConfirmed acknowledges an accepted element-data message. It
// echoes the accepted element's selector; the envelope's messageId carries the
// correlation id of the element-data message it confirms.
type ElementSelectedConfirmed struct {
	Selector  string `json:"selector"`
	SessionID string `json:"sessionId"`
}
