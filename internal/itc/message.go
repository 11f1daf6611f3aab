package itc

import (
	"encoding/json"
	"strings"
)

// ProtocolVersion is the envelope version spoken by this package.
const ProtocolVersion = "1.0.0"

const typePrefix = "PLT_ITC_"

// Envelope discriminators.
const (
	TypeRequest      = typePrefix + "REQUEST"
	TypeResponse     = typePrefix + "RESPONSE"
	TypeNotification = typePrefix + "NOTIFICATION"
)

// Message is the wire envelope. Requests carry ReqID, Version, Name and
// Data; responses echo ReqID and Name and carry either Data or Error;
// notifications carry Name and Data only.
type Message struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"reqId,omitempty"`
	Version string          `json:"version,omitempty"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// ours reports whether m belongs to this protocol. Anything else sharing the
// port is ignored.
func (m *Message) ours() bool {
	return strings.HasPrefix(m.Type, typePrefix)
}

// encodePayload sanitizes v and returns its JSON form.
func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	clean, err := Sanitize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(clean)
}

// decodeFrame parses a frame. ok is false for frames that are not JSON
// objects or not ours.
func decodeFrame(frame []byte) (m Message, ok bool) {
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, false
	}
	return m, m.ours()
}
