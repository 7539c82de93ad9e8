package navigation

import (
	"time"

	"airboat/internal/geo"
)

// headingPID is a small PID on heading error with an output clamp.
//
// The integral only accumulates while the I gain is positive, and the
// derivative term can be scaled per update.
//
// Not safe for concurrent use.
type headingPID struct {
	outMin, outMax float64

	integral  float64
	prevError float64
	havePrev  bool
}

func newHeadingPID() *headingPID {
	return &headingPID{outMin: -1, outMax: 1}
}

func (p *headingPID) Reset() {
	p.integral = 0
	p.prevError = 0
	p.havePrev = false
}

// Update returns the clamped control for err. dScale multiplies the
// derivative term and is expected in [0, 1].
func (p *headingPID) Update(g Gains, err float64, dt time.Duration, dScale float64) float64 {
	if dt <= 0 {
		return 0
	}
	sec := dt.Seconds()
	if g.I > 0 {
		p.integral += err * sec
	}

	derivative := 0.0
	if p.havePrev {
		derivative = geo.NormalizeAngle(err-p.prevError) / sec
	}
	p.prevError = err
	p.havePrev = true

	out := g.P*err + g.I*p.integral + g.D*derivative*dScale
	return clamp(out, p.outMin, p.outMax)
}
