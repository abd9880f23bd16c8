package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors. ErrUnknownType distinguishes a well-formed envelope with an
// unrecognized type from an envelope whose payload does not parse.
var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Inbound is the closed set of client → hub message payloads. The marker
// method keeps the set sealed so dispatch switches stay exhaustive.
type Inbound interface {
	inbound()
}

func (ElementData) inbound() {}
func (Heartbeat) inbound()   {}
func (ErrorReport) inbound() {}

// ParseEnvelope validates raw bytes against the envelope shape. A missing or
// empty type field is treated as malformed; handlers never see such input.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return env, nil
}

// DecodeInbound maps an envelope onto its typed payload. Unknown types return
// ErrUnknownType so the router can answer with an error envelope rather than
// dropping the message.
func DecodeInbound(env Envelope) (Inbound, error) {
	switch env.Type {
	case TypeElementData:
		var el ElementData
		if err := unmarshalPayload(env.Payload, &el); err != nil {
			return nil, err
		}
		if el.Selector == "" {
			return nil, fmt.Errorf("%w: element-data requires a selector", ErrInvalidPayload)
		}
		return el, nil
	case TypeHeartbeat:
		var hb Heartbeat
		if err := unmarshalPayload(env.Payload, &hb); err != nil {
			return nil, err
		}
		return hb, nil
	case TypeError:
		var er ErrorReport
		if err := unmarshalPayload(env.Payload, &er); err != nil {
			return nil, err
		}
		return er, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
