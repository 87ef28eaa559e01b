package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/chatfanout/event"
)

// AckEvent is the event name of acknowledgement frames.
const AckEvent = "ack"

// ClientFrame is a client to server message. Ack is an opaque correlation
// value echoed on the acknowledgement; it may be a number or a string.
type ClientFrame struct {
	Event string          `json:"event"`
	Ack   json.RawMessage `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckFrame answers one ClientFrame.
type AckFrame struct {
	Event string          `json:"event"`
	Ack   json.RawMessage `json:"ack,omitempty"`
	Data  AckBody         `json:"data"`
}

type AckBody struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ServerID  string    `json:"server_id"`
}

// EventFrame is a server to client broadcast.
type EventFrame struct {
	Event     event.Name      `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ServerID  string          `json:"server_id"`
}

func parseClientFrame(b []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return ClientFrame{}, &event.ValidationError{Field: "frame", Reason: "malformed JSON"}
	}
	if f.Event == "" {
		return ClientFrame{}, event.Required("event")
	}
	return f, nil
}

func encodeEvent(env event.Envelope) ([]byte, error) {
	b, err := json.Marshal(EventFrame{
		Event:     env.Name,
		Data:      env.Data,
		Timestamp: env.Timestamp,
		ServerID:  env.Origin,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", env.Name, err)
	}
	return b, nil
}

func encodeAck(ack json.RawMessage, body AckBody) ([]byte, error) {
	b, err := json.Marshal(AckFrame{Event: AckEvent, Ack: ack, Data: body})
	if err != nil {
		return nil, fmt.Errorf("encode ack frame: %w", err)
	}
	return b, nil
}

// decodeData parses the data member of a client frame. An absent body
// decodes to the zero value so that field validation reports what is
// missing.
func decodeData[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &event.ValidationError{Field: "data", Reason: "malformed payload"}
	}
	return v, nil
}
