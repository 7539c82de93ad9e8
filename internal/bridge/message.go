package bridge

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Message is one protocol frame: a JSON object keyed by channel
// ("m0", "s1", "g0", ...).
type Message map[string]json.RawMessage

// Set encodes v under key.
func (m Message) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", key, err)
	}
	m[key] = b
	return nil
}

// Motor is the payload for an "m<N>" thrust channel.
type Motor struct {
	V float64 `json:"v"`
}

// Servo is the payload for an "s<N>" actuator channel. Unset fields are
// omitted from the frame.
type Servo struct {
	P      *float64 `json:"p,omitempty"`
	V      *float64 `json:"v,omitempty"`
	Sample *bool    `json:"sample,omitempty"`
}

// Sensor is an inbound "s<N>" report. Data is left raw since its shape
// depends on Type.
type Sensor struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Depth *float64        `json:"depth,omitempty"`
}

// GPS is an inbound "g<N>" report. Time is milliseconds since the epoch.
type GPS struct {
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
	Time *int64   `json:"time"`
}

func MotorKey(ch int) string { return "m" + strconv.Itoa(ch) }
func ServoKey(ch int) string { return "s" + strconv.Itoa(ch) }

// ParseKey splits a channel key like "s12" into its prefix and index.
func ParseKey(key string) (prefix byte, ch int, ok bool) {
	if len(key) < 2 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(key[1:])
	if err != nil || n < 0 {
		return 0, 0, false
	}
	return key[0], n, true
}

// Encode renders m as one CRLF-terminated line.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode: %w", err)
	}
	return append(b, '\r', '\n'), nil
}

// Decode parses one line. An {"error": ...} envelope is returned as a
// *DeviceError.
func Decode(line []byte) (Message, error) {
	s := strings.TrimSpace(string(line))
	if s == "" {
		return nil, &ProtocolError{Line: s, Err: fmt.Errorf("empty frame")}
	}
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, &ProtocolError{Line: s, Err: err}
	}
	if m == nil {
		return nil, &ProtocolError{Line: s, Err: fmt.Errorf("frame is not an object")}
	}
	if raw, ok := m["error"]; ok {
		de := &DeviceError{Args: m["args"]}
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
		de.Msg = msg
		return nil, de
	}
	return m, nil
}

// Float returns a pointer to v, with NaN mapped to zero so frames always
// encode.
func Float(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return &v
}

func Bool(v bool) *bool { return &v }
