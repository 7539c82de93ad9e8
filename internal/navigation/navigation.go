package navigation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"airboat/internal/geo"
)

// Name selects a controller for a mission.
type Name string

const (
	Stop          Name = "STOP"
	PointAndShoot Name = "POINT_AND_SHOOT"
	LineFollow    Name = "LINE_FOLLOW"
)

var ErrUnknownController = errors.New("navigation: unknown controller")

// VehicleType determines how surge/yaw map onto actuators and whether the
// vehicle can turn in place.
type VehicleType string

const (
	Differential VehicleType = "DIFFERENTIAL"
	Vectored     VehicleType = "VECTORED"
)

// Gains are PID coefficients for one control axis.
type Gains struct {
	P float64 `json:"p" yaml:"p"`
	I float64 `json:"i" yaml:"i"`
	D float64 `json:"d" yaml:"d"`
}

// Velocity is a normalized surge and yaw-rate command, each in [-1, 1].
type Velocity struct {
	Surge float64 `json:"surge"`
	Yaw   float64 `json:"yaw"`
}

func (v Velocity) Clamp() Velocity {
	return Velocity{Surge: Clamp(v.Surge), Yaw: Clamp(v.Yaw)}
}

func (v Velocity) IsZero() bool { return v.Surge == 0 && v.Yaw == 0 }

// Waypoint is a target pose plus how long to hold station on arrival.
type Waypoint struct {
	Pose geo.Pose      `json:"pose"`
	Keep time.Duration `json:"keep"`
}

// State is what a controller sees on one tick. Waypoints is read-only.
type State struct {
	Now       time.Time
	Pose      geo.Pose
	YawRate   float64
	Waypoints []Waypoint
	Index     int
	Thrust    Gains
	Rudder    Gains
	Vehicle   VehicleType
}

// Current returns the active waypoint.
func (s State) Current() (Waypoint, bool) {
	if s.Index < 0 || s.Index >= len(s.Waypoints) {
		return Waypoint{}, false
	}
	return s.Waypoints[s.Index], true
}

// Command is a controller's output. Advance asks the caller to move to the
// next waypoint; the controller never mutates the index itself.
type Command struct {
	Velocity Velocity
	Advance  bool
	Holding  bool
}

// Controller maps vehicle state to a velocity command.
type Controller interface {
	Name() Name
	Update(st State, dt time.Duration) Command
	// Reset clears integral and memory terms.
	Reset()
}

// Config holds tuning shared by the controllers.
type Config struct {
	// ArrivalRadius in meters.
	ArrivalRadius float64
	// Lookahead is the pure-pursuit base distance in meters.
	Lookahead float64
	// ErrorEnvelope is the heading error (rad) at which LINE_FOLLOW's
	// derivative term is fully suppressed.
	ErrorEnvelope float64
	// TurnInPlace is the heading error (rad) above which differential
	// vehicles cut thrust.
	TurnInPlace float64
}

func (c Config) withDefaults() Config {
	if c.ArrivalRadius <= 0 {
		c.ArrivalRadius = 3.0
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 5.0
	}
	if c.ErrorEnvelope <= 0 {
		c.ErrorEnvelope = math.Pi / 4
	}
	if c.TurnInPlace <= 0 {
		c.TurnInPlace = math.Pi / 4
	}
	return c
}

// Lookup returns a fresh controller by name. An empty name selects
// POINT_AND_SHOOT. Unknown names return STOP together with
// ErrUnknownController so the caller can log and carry on.
func Lookup(name string, cfg Config) (Controller, error) {
	cfg = cfg.withDefaults()
	switch Name(strings.ToUpper(strings.TrimSpace(name))) {
	case "", PointAndShoot:
		return NewPointAndShoot(cfg), nil
	case LineFollow:
		return NewLineFollow(cfg), nil
	case Stop:
		return NewStop(), nil
	default:
		return NewStop(), fmt.Errorf("%w: %q", ErrUnknownController, name)
	}
}

// Clamp limits v to [-1, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	return clamp(v, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
