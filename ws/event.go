// Package ws owns the client side of the persistent websocket connection to
// the chat gateway. A Conn produces an ordered stream of inbound events until
// it is closed or the transport fails; reconnection policy lives with the
// caller, not here.
package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Signal discriminates the inbound event envelope.
type Signal string

const (
	// SignalStatus carries a human-readable status message from the gateway.
	SignalStatus Signal = "status"
	// SignalDispatch carries a fully-formed state-mutation command.
	SignalDispatch Signal = "dispatch"
)

// Event is the inbound envelope. Data is left opaque here; the dispatcher
// decodes it based on the signal.
type Event struct {
	Signal Signal          `json:"signal"`
	Data   json.RawMessage `json:"data"`
}

// decodeEvent reads one frame. A JSON null frame decodes to a nil event with
// no error; the caller surfaces it as a malformed message, distinct from the
// absence of data.
func decodeEvent(r io.Reader) (*Event, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &event, nil
}
