package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
)

// Origin identifies the UTM projection a planar position belongs to.
type Origin struct {
	Zone  int  `json:"zone"`
	North bool `json:"north"`
}

func (o Origin) String() string {
	h := "S"
	if o.North {
		h = "N"
	}
	return fmt.Sprintf("%d%s", o.Zone, h)
}

// Pose is a planar position in a UTM frame plus heading.
//
// Yaw is measured counter-clockwise from east (easting axis), in radians.
type Pose struct {
	Easting  float64 `json:"easting"`
	Northing float64 `json:"northing"`
	Altitude float64 `json:"altitude"`
	Yaw      float64 `json:"yaw"`
	Origin   Origin  `json:"origin"`
}

func (p Pose) Point() r2.Point {
	return r2.Point{X: p.Easting, Y: p.Northing}
}

// WithPoint returns a copy of p moved to pt.
func (p Pose) WithPoint(pt r2.Point) Pose {
	p.Easting = pt.X
	p.Northing = pt.Y
	return p
}

func (p Pose) String() string {
	return fmt.Sprintf("%s e=%.2f n=%.2f yaw=%.3f", p.Origin, p.Easting, p.Northing, p.Yaw)
}

// PlanarDistanceSq is the squared easting/northing distance between a and b.
// Origins are not compared.
func PlanarDistanceSq(a, b Pose) float64 {
	dx := a.Easting - b.Easting
	dy := a.Northing - b.Northing
	return dx*dx + dy*dy
}

// SamePosition reports whether a and b are the same planar location in the
// same frame, within tol meters.
func SamePosition(a, b Pose, tol float64) bool {
	if a.Origin != b.Origin {
		return false
	}
	return PlanarDistanceSq(a, b) <= tol*tol
}

// NormalizeAngle wraps a to (-pi, pi].
func NormalizeAngle(a float64) float64 {
	if a > -math.Pi && a <= math.Pi {
		return a
	}
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return math.NaN()
	}
	w := math.Mod(a+math.Pi, 2*math.Pi)
	if w <= 0 {
		w += 2 * math.Pi
	}
	out := w - math.Pi
	if out <= -math.Pi {
		return math.Pi
	}
	return out
}
