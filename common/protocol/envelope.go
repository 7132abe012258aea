package protocol

import "encoding/json"

type MessageType string

const (
	TypeRegister  MessageType = "register"
	TypeKeepAlive MessageType = "keepalive"
	TypeClose     MessageType = "close"
	TypeCommand   MessageType = "command"
	TypeQuery     MessageType = "query"
	TypeMetadata  MessageType = "metadata"
	TypeEvent     MessageType = "event"
)

// Envelope frames every message on a connection. Requests carry a nonzero
// correlation ID echoed by the matching response; events are pushed with
// ID 0.
type Envelope struct {
	ID   uint64          `json:"id"`
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func NewEnvelope(id uint64, t MessageType, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Type: t, Body: raw}, nil
}

func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Body, v)
}
