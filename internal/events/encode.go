package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Frame is the message-oriented encoding used on websocket connections.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func NewFrame(ev Event) Frame {
	return Frame{Event: ev.Name(), Data: ev.Payload()}
}

// MarshalPayload encodes the event payload as single-line JSON without
// HTML escaping.
func MarshalPayload(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev.Payload()); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Name(), err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteSSE writes ev as one server-sent event record.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := MarshalPayload(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name(), data)
	return err
}
