package vehicle

import (
	"encoding/json"
	"time"

	"airboat/internal/bridge"
	"airboat/internal/geo"
	"airboat/internal/navigation"
)

type EventKind string

const (
	EventStatus  EventKind = "status"
	EventMission EventKind = "nav"
	EventSensor  EventKind = "sensor"
	EventCommand EventKind = "cmd"
	EventGains   EventKind = "gains"
	EventSampler EventKind = "sampler"
	EventHome    EventKind = "home"
	// EventRaw carries sensor payloads the service does not interpret.
	EventRaw EventKind = "raw"
)

// Event is emitted to subscribers. Only the fields for Kind are set.
type Event struct {
	Kind EventKind
	At   time.Time

	Status Status
	Index  int

	Waypoints  []navigation.Waypoint
	Controller navigation.Name

	Reading SensorReading
	Raw     json.RawMessage

	Command bridge.Message

	Axis  int
	Gains navigation.Gains

	Pose geo.Pose
}
