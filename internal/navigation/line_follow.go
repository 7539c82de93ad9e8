package navigation

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
	"go.einride.tech/pid"

	"airboat/internal/geo"
)

// lineFollow tracks the segment from the previous waypoint (or the pose at
// mission start) to the current one using a shrinking lookahead point.
//
// On arrival (dist < radius) it holds station for the waypoint's Keep
// duration before asking to advance.
type lineFollow struct {
	cfg Config

	heading *headingPID
	keep    pid.Controller

	index     int
	source    r2.Point
	holdUntil time.Time
	holding   bool
}

func NewLineFollow(cfg Config) Controller {
	c := &lineFollow{cfg: cfg.withDefaults(), heading: newHeadingPID()}
	c.Reset()
	return c
}

func (c *lineFollow) Name() Name { return LineFollow }

func (c *lineFollow) Reset() {
	c.heading.Reset()
	c.keep.Reset()
	c.index = -1
	c.source = r2.Point{}
	c.holding = false
	c.holdUntil = time.Time{}
}

func (c *lineFollow) Update(st State, dt time.Duration) Command {
	wp, ok := st.Current()
	if !ok {
		return Command{}
	}
	pos := st.Pose.Point()
	dest := wp.Pose.Point()

	if st.Index != c.index {
		c.heading.Reset()
		c.keep.Reset()
		c.holding = false
		c.index = st.Index
		if st.Index == 0 {
			c.source = pos
		} else {
			c.source = st.Waypoints[st.Index-1].Pose.Point()
		}
	}

	r := c.cfg.ArrivalRadius
	if c.holding || geo.PlanarDistanceSq(st.Pose, wp.Pose) < r*r {
		return c.stationKeep(st, wp, dt)
	}

	target := c.lookaheadPoint(pos, dest)
	desired := math.Atan2(target.Y-pos.Y, target.X-pos.X)
	headingErr := geo.NormalizeAngle(desired - st.Pose.Yaw)

	rudder := c.heading.Update(st.Rudder, headingErr, dt, c.envelope(headingErr))
	surge := Clamp(st.Thrust.P)
	if st.Vehicle != Vectored && math.Abs(headingErr) > c.cfg.TurnInPlace {
		surge = 0
	}
	return Command{Velocity: Velocity{Surge: surge, Yaw: rudder}}
}

// lookaheadPoint projects pos onto source->dest and walks forward along the
// line by a distance that shrinks with cross-track error.
func (c *lineFollow) lookaheadPoint(pos, dest r2.Point) r2.Point {
	path := dest.Sub(c.source)
	length := path.Norm()
	if length < 1e-6 {
		return dest
	}
	u := path.Mul(1 / length)
	rel := pos.Sub(c.source)
	along := clamp(rel.Dot(u), 0, length)
	trackErr := math.Abs(u.Cross(rel))

	base := c.cfg.Lookahead
	ahead := base * (1 - math.Tanh(trackErr/base))
	return c.source.Add(u.Mul(math.Min(along+ahead, length)))
}

// envelope scales the derivative term down to zero as heading error
// approaches ErrorEnvelope.
func (c *lineFollow) envelope(headingErr float64) float64 {
	return clamp(1-math.Abs(headingErr)/c.cfg.ErrorEnvelope, 0, 1)
}

func (c *lineFollow) stationKeep(st State, wp Waypoint, dt time.Duration) Command {
	if !c.holding {
		c.holding = true
		c.holdUntil = st.Now.Add(wp.Keep)
		c.keep.Reset()
	}
	if !st.Now.Before(c.holdUntil) {
		c.holding = false
		return Command{Advance: true}
	}

	dist := math.Sqrt(geo.PlanarDistanceSq(st.Pose, wp.Pose))
	c.keep.Config = pid.ControllerConfig{
		ProportionalGain: st.Thrust.P,
		IntegralGain:     st.Thrust.I,
		DerivativeGain:   st.Thrust.D,
	}
	if dt > 0 {
		c.keep.Update(pid.ControllerInput{
			ReferenceSignal:  0,
			ActualSignal:     dist,
			SamplingInterval: dt,
		})
	}
	surge := clamp(-c.keep.State.ControlSignal, 0, 1)

	// Inside the radius only drift matters; do not chase the exact point.
	if dist < c.cfg.ArrivalRadius/2 {
		surge = 0
	}

	desired := math.Atan2(wp.Pose.Northing-st.Pose.Northing, wp.Pose.Easting-st.Pose.Easting)
	headingErr := geo.NormalizeAngle(desired - st.Pose.Yaw)
	rudder := 0.0
	if surge > 0 {
		rudder = c.heading.Update(st.Rudder, headingErr, dt, c.envelope(headingErr))
		if st.Vehicle != Vectored && math.Abs(headingErr) > c.cfg.TurnInPlace {
			surge = 0
		}
	}
	return Command{Velocity: Velocity{Surge: surge, Yaw: rudder}, Holding: true}
}
