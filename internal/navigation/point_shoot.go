package navigation

import (
	"math"
	"time"

	"airboat/internal/geo"
)

// integralWindow is the number of recent heading errors summed for the I term.
const integralWindow = 100

// pointAndShoot steers straight at the current waypoint.
//
// Rudder: P on bearing error, I on the sum of the last integralWindow errors,
// D on (bearing rate - measured yaw rate). Thrust is the thrust-axis P gain.
// Arrival is dist^2 <= radius^2 and advances immediately.
type pointAndShoot struct {
	cfg Config

	buf  [integralWindow]float64
	bIdx int
	bSum float64

	prevBearing float64
	havePrev    bool
}

func NewPointAndShoot(cfg Config) Controller {
	return &pointAndShoot{cfg: cfg.withDefaults()}
}

func (c *pointAndShoot) Name() Name { return PointAndShoot }

func (c *pointAndShoot) Reset() {
	c.buf = [integralWindow]float64{}
	c.bIdx = 0
	c.bSum = 0
	c.prevBearing = 0
	c.havePrev = false
}

func (c *pointAndShoot) Update(st State, dt time.Duration) Command {
	wp, ok := st.Current()
	if !ok {
		return Command{}
	}

	r := c.cfg.ArrivalRadius
	if geo.PlanarDistanceSq(st.Pose, wp.Pose) <= r*r {
		c.Reset()
		return Command{Advance: true}
	}

	bearing := math.Atan2(wp.Pose.Northing-st.Pose.Northing, wp.Pose.Easting-st.Pose.Easting)
	errAngle := geo.NormalizeAngle(bearing - st.Pose.Yaw)

	bearingRate := 0.0
	if c.havePrev && dt > 0 {
		bearingRate = geo.NormalizeAngle(bearing-c.prevBearing) / dt.Seconds()
	}

	c.bIdx = (c.bIdx + 1) % integralWindow
	c.bSum -= c.buf[c.bIdx]
	c.bSum += errAngle
	c.buf[c.bIdx] = errAngle

	g := st.Rudder
	rudder := Clamp(g.P*errAngle + g.D*(bearingRate-st.YawRate) + g.I*c.bSum)
	surge := Clamp(st.Thrust.P)

	c.prevBearing = bearing
	c.havePrev = true

	return Command{Velocity: Velocity{Surge: surge, Yaw: rudder}}
}
