package uwb

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r2"

	"airboat/internal/geo"
)

var ErrAnchorCount = errors.New("uwb: need exactly 3 ranges")

// Config describes the fixed anchor layout.
//
// Anchors[0] is the local origin and Anchors[1] defines the local x axis.
// MedianLength is the per-anchor median filter window (default 20).
type Config struct {
	Anchors      [3]geo.Pose
	MedianLength int
}

// Locator turns ranges to three fixed anchors into an absolute position.
//
// Safe for concurrent use.
type Locator struct {
	cfg Config

	origin geo.Origin
	a0     r2.Point
	ex, ey r2.Point
	d      float64 // |a1-a0|
	i, j   float64 // a2 expressed in (ex, ey)

	mu      sync.Mutex
	history [3][]float64
}

func New(cfg Config) (*Locator, error) {
	if cfg.MedianLength <= 0 {
		cfg.MedianLength = 20
	}
	o := cfg.Anchors[0].Origin
	if cfg.Anchors[1].Origin != o || cfg.Anchors[2].Origin != o {
		return nil, fmt.Errorf("uwb: anchors span UTM zones")
	}

	a0 := cfg.Anchors[0].Point()
	d21 := cfg.Anchors[1].Point().Sub(a0)
	d31 := cfg.Anchors[2].Point().Sub(a0)
	d := d21.Norm()
	if d < 1e-6 {
		return nil, fmt.Errorf("uwb: anchors 0 and 1 coincide")
	}
	ex := d21.Mul(1 / d)
	i := ex.Dot(d31)
	perp := d31.Sub(ex.Mul(i))
	if perp.Norm() < 1e-6 {
		return nil, fmt.Errorf("uwb: anchors are collinear")
	}
	ey := perp.Normalize()
	j := ey.Dot(d31)

	return &Locator{cfg: cfg, origin: o, a0: a0, ex: ex, ey: ey, d: d, i: i, j: j}, nil
}

// Update feeds one set of ranges (meters) and returns the filtered position.
func (l *Locator) Update(ranges []float64) (geo.Pose, error) {
	if len(ranges) != 3 {
		return geo.Pose{}, ErrAnchorCount
	}
	for _, r := range ranges {
		if math.IsNaN(r) || r < 0 {
			return geo.Pose{}, fmt.Errorf("uwb: invalid range %v", r)
		}
	}
	filtered := l.filter(ranges)
	return l.Trilaterate(filtered), nil
}

func (l *Locator) filter(ranges []float64) [3]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out [3]float64
	for k := 0; k < 3; k++ {
		h := append(l.history[k], ranges[k])
		if len(h) > l.cfg.MedianLength {
			h = h[len(h)-l.cfg.MedianLength:]
		}
		l.history[k] = h
		out[k] = median(h)
	}
	return out
}

// Trilaterate solves the 2D position for ranges without filtering.
func (l *Locator) Trilaterate(r [3]float64) geo.Pose {
	x := (r[0]*r[0] - r[1]*r[1] + l.d*l.d) / (2 * l.d)
	y := (r[0]*r[0]-r[2]*r[2]+l.i*l.i+l.j*l.j)/(2*l.j) - l.i/l.j*x
	pt := l.a0.Add(l.ex.Mul(x)).Add(l.ey.Mul(y))
	return geo.Pose{Easting: pt.X, Northing: pt.Y, Origin: l.origin}
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 0 {
		return (s[n/2-1] + s[n/2]) / 2
	}
	return s[n/2]
}
