package estimator

import (
	"math"
	"sync"
	"time"

	"airboat/internal/geo"
)

// Source tags where an absolute position came from.
type Source string

const (
	SourceNone     Source = ""
	SourceGPS      Source = "gps"
	SourceUWB      Source = "uwb"
	SourceOperator Source = "operator"
)

// Config controls the estimator.
//
// DefaultPose is returned until the first absolute fix arrives.
// Horizon caps how far forward a pose is dead-reckoned from the last fix;
// zero means 2 seconds.
type Config struct {
	DefaultPose geo.Pose
	Horizon     time.Duration
}

type Snapshot struct {
	Pose    geo.Pose  `json:"pose"`
	HaveFix bool      `json:"have_fix"`
	FixAt   time.Time `json:"fix_at,omitempty"`
	Source  Source    `json:"source,omitempty"`

	VelEasting  float64 `json:"vel_easting"`
	VelNorthing float64 `json:"vel_northing"`
	YawRate     float64 `json:"yaw_rate"`

	Rejected uint64 `json:"rejected"`
}

// Estimator fuses asynchronous absolute fixes, compass heading and yaw rate
// into a pose that can be queried at any time.
//
// Absolute sources are arbitrated by timestamp: whichever update carries the
// newest time wins, regardless of which sensor produced it. Reset always wins.
//
// Safe for concurrent use.
type Estimator struct {
	cfg Config

	mu sync.RWMutex

	pos     geo.Pose
	fixAt   time.Time
	haveFix bool
	source  Source

	velE, velN float64

	yaw     float64
	yawAt   time.Time
	haveYaw bool

	yawRate float64
	rateAt  time.Time

	rejected uint64
}

// minVelocityDt guards the finite difference against near-duplicate fixes.
const minVelocityDt = 50 * time.Millisecond

func New(cfg Config) *Estimator {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 2 * time.Second
	}
	return &Estimator{cfg: cfg, pos: cfg.DefaultPose, yaw: cfg.DefaultPose.Yaw}
}

// GPSUpdate applies an absolute position fix. Fixes older than the current
// estimate are ignored. at is the host receive time, the same clock every
// other source uses.
func (e *Estimator) GPSUpdate(pose geo.Pose, at time.Time) bool {
	return e.Update(SourceGPS, pose, at)
}

// Update applies an absolute position from any source and reports whether it
// was accepted. Only the planar position and altitude of pose are used.
func (e *Estimator) Update(src Source, pose geo.Pose, at time.Time) bool {
	if e == nil {
		return false
	}
	if math.IsNaN(pose.Easting) || math.IsNaN(pose.Northing) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.haveFix && at.Before(e.fixAt) {
		e.rejected++
		return false
	}

	if e.haveFix && pose.Origin == e.pos.Origin {
		dt := at.Sub(e.fixAt)
		if dt >= minVelocityDt {
			sec := dt.Seconds()
			e.velE = (pose.Easting - e.pos.Easting) / sec
			e.velN = (pose.Northing - e.pos.Northing) / sec
		}
	} else {
		e.velE, e.velN = 0, 0
	}

	e.pos.Easting = pose.Easting
	e.pos.Northing = pose.Northing
	e.pos.Altitude = pose.Altitude
	e.pos.Origin = pose.Origin
	e.fixAt = at
	e.haveFix = true
	e.source = src
	return true
}

// CompassUpdate applies a heading correction (radians, CCW from east).
func (e *Estimator) CompassUpdate(yaw float64, at time.Time) {
	if e == nil || math.IsNaN(yaw) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haveYaw && at.Before(e.yawAt) {
		return
	}
	e.yaw = geo.NormalizeAngle(yaw)
	e.yawAt = at
	e.haveYaw = true
}

// GyroUpdate records the latest yaw rate (rad/s).
func (e *Estimator) GyroUpdate(rate float64, at time.Time) {
	if e == nil || math.IsNaN(rate) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.Before(e.rateAt) {
		return
	}
	e.yawRate = rate
	e.rateAt = at
}

// YawRate returns the most recent gyro yaw rate.
func (e *Estimator) YawRate() float64 {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.yawRate
}

// Reset overrides the estimate, including heading.
func (e *Estimator) Reset(pose geo.Pose, at time.Time) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = pose
	e.pos.Yaw = 0
	e.fixAt = at
	e.haveFix = true
	e.source = SourceOperator
	e.velE, e.velN = 0, 0
	e.yaw = geo.NormalizeAngle(pose.Yaw)
	e.yawAt = at
	e.haveYaw = true
}

// Pose returns the estimate at time at, dead-reckoned forward from the last
// fix and heading sample.
func (e *Estimator) Pose(at time.Time) geo.Pose {
	if e == nil {
		return geo.Pose{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.poseLocked(at)
}

func (e *Estimator) poseLocked(at time.Time) geo.Pose {
	p := e.cfg.DefaultPose
	if e.haveFix {
		p = e.pos
		dt := e.horizon(at.Sub(e.fixAt))
		p.Easting += e.velE * dt.Seconds()
		p.Northing += e.velN * dt.Seconds()
	}

	p.Yaw = e.yaw
	// Only integrate gyro samples at least as new as the heading.
	if e.haveYaw && !e.rateAt.Before(e.yawAt) {
		ydt := e.horizon(at.Sub(e.yawAt))
		p.Yaw = geo.NormalizeAngle(e.yaw + e.yawRate*ydt.Seconds())
	}
	return p
}

func (e *Estimator) horizon(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > e.cfg.Horizon {
		return e.cfg.Horizon
	}
	return d
}

func (e *Estimator) Snapshot(at time.Time) Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Pose:        e.poseLocked(at),
		HaveFix:     e.haveFix,
		FixAt:       e.fixAt,
		Source:      e.source,
		VelEasting:  e.velE,
		VelNorthing: e.velN,
		YawRate:     e.yawRate,
		Rejected:    e.rejected,
	}
}
