package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConnection is returned when no physical link is open.
var ErrConnection = errors.New("bridge: not connected")

var errFrameTooLong = errors.New("frame exceeds maximum length")

// ProtocolError reports an inbound line that is not a valid frame.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bridge: malformed frame %q: %v", e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DeviceError is an {"error": ...} envelope sent by the board.
type DeviceError struct {
	Msg  string
	Args json.RawMessage
}

func (e *DeviceError) Error() string {
	if len(e.Args) == 0 {
		return fmt.Sprintf("bridge: device error: %s", e.Msg)
	}
	return fmt.Sprintf("bridge: device error: %s args=%s", e.Msg, string(e.Args))
}
