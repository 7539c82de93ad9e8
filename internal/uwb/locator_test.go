package uwb

import (
	"math"
	"testing"

	"airboat/internal/geo"
)

var origin = geo.Origin{Zone: 17, North: true}

func anchor(e, n float64) geo.Pose {
	return geo.Pose{Easting: e, Northing: n, Origin: origin}
}

func rangesTo(anchors [3]geo.Pose, e, n float64) []float64 {
	out := make([]float64, 3)
	for i, a := range anchors {
		out[i] = math.Hypot(a.Easting-e, a.Northing-n)
	}
	return out
}

func TestTrilaterate_Recovers(t *testing.T) {
	cases := []struct {
		name    string
		anchors [3]geo.Pose
	}{
		{name: "Axis", anchors: [3]geo.Pose{anchor(1000, 2000), anchor(1010, 2000), anchor(1000, 2010)}},
		{name: "Rotated", anchors: [3]geo.Pose{anchor(1000, 2000), anchor(1007, 2007), anchor(993, 2008)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(Config{Anchors: tc.anchors, MedianLength: 1})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			p, err := l.Update(rangesTo(tc.anchors, 1003, 2004))
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if math.Abs(p.Easting-1003) > 1e-6 || math.Abs(p.Northing-2004) > 1e-6 {
				t.Fatalf("pos=(%v,%v) want (1003,2004)", p.Easting, p.Northing)
			}
			if p.Origin != origin {
				t.Fatalf("origin=%v want %v", p.Origin, origin)
			}
		})
	}
}

func TestUpdate_MedianRejectsSpike(t *testing.T) {
	anchors := [3]geo.Pose{anchor(0, 0), anchor(10, 0), anchor(0, 10)}
	l, err := New(Config{Anchors: anchors, MedianLength: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	good := rangesTo(anchors, 3, 4)
	for i := 0; i < 4; i++ {
		if _, err := l.Update(good); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	p, err := l.Update([]float64{50, 50, 50})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if math.Abs(p.Easting-3) > 1e-6 || math.Abs(p.Northing-4) > 1e-6 {
		t.Fatalf("pos=(%v,%v) want spike filtered to (3,4)", p.Easting, p.Northing)
	}
}

func TestNew_RejectsBadLayout(t *testing.T) {
	if _, err := New(Config{Anchors: [3]geo.Pose{anchor(0, 0), anchor(0, 0), anchor(0, 10)}}); err == nil {
		t.Fatalf("expected error for coincident anchors")
	}
	if _, err := New(Config{Anchors: [3]geo.Pose{anchor(0, 0), anchor(10, 0), anchor(20, 0)}}); err == nil {
		t.Fatalf("expected error for collinear anchors")
	}
}

func TestUpdate_RequiresThreeRanges(t *testing.T) {
	l, err := New(Config{Anchors: [3]geo.Pose{anchor(0, 0), anchor(10, 0), anchor(0, 10)}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Update([]float64{1, 2}); err != ErrAnchorCount {
		t.Fatalf("err=%v want ErrAnchorCount", err)
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Fatalf("median=%v want 2", got)
	}
	if got := median([]float64{4, 1, 2, 3}); got != 2.5 {
		t.Fatalf("median=%v want 2.5", got)
	}
}
