package indicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"airboat/internal/failsafe"
)

type fakeLine struct {
	mu     sync.Mutex
	values []int
	closed bool
}

func (l *fakeLine) SetValue(v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
	return nil
}

func (l *fakeLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLine) Values() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.values...)
}

func TestModeFor(t *testing.T) {
	cases := map[failsafe.State]Mode{
		failsafe.Connected:              ModeSolid,
		failsafe.FailsafeToLastLocation: ModeSlow,
		failsafe.FailsafeToHomeLocation: ModeFast,
		failsafe.State("other"):         ModeOff,
	}
	for st, want := range cases {
		if got := ModeFor(st); got != want {
			t.Fatalf("ModeFor(%s)=%s want %s", st, got, want)
		}
	}
}

func TestStep_BlinkPattern(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	old := nowFn
	nowFn = func() time.Time { return t0 }
	t.Cleanup(func() { nowFn = old })

	line := &fakeLine{}
	s := New(Config{Enable: true, SlowPeriod: 2 * time.Second, FastPeriod: 400 * time.Millisecond})
	s.drv = line

	s.step(t0)
	s.SetState(failsafe.FailsafeToLastLocation)
	for _, d := range []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond, 2 * time.Second} {
		s.step(t0.Add(d))
	}
	// Solid high, slow blink restarts high so no write, then low at 1s and
	// high again at 2s.
	want := []int{1, 0, 1}
	if got := line.Values(); !equal(got, want) {
		t.Fatalf("values=%v want %v", got, want)
	}

	s.Set(ModeOff)
	if got := line.Values(); got[len(got)-1] != 0 {
		t.Fatalf("values=%v want trailing 0", got)
	}
	if snap := s.Snapshot(); snap.Mode != ModeOff || snap.Level != 0 || !snap.Available {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestStep_FastBlink(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	old := nowFn
	nowFn = func() time.Time { return t0 }
	t.Cleanup(func() { nowFn = old })

	s := New(Config{FastPeriod: 400 * time.Millisecond})
	s.Set(ModeFast)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tc := range []struct {
		d    time.Duration
		want int
	}{
		{0, 1}, {199 * time.Millisecond, 1}, {200 * time.Millisecond, 0}, {400 * time.Millisecond, 1},
	} {
		if got := s.levelLocked(t0.Add(tc.d)); got != tc.want {
			t.Fatalf("level at %s=%d want %d", tc.d, got, tc.want)
		}
	}
}

func TestStart_DisabledAndOpenFailure(t *testing.T) {
	if err := New(Config{}).Start(context.Background()); err != nil {
		t.Fatalf("Start disabled: %v", err)
	}

	old := openLineFn
	openLineFn = func(pin int) (lineDriver, error) { return nil, errors.New("busy") }
	t.Cleanup(func() { openLineFn = old })

	s := New(Config{Enable: true, Pin: 5})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected open error")
	}
	if s.Snapshot().LastError == "" {
		t.Fatalf("expected last_error")
	}
}

func TestStartClose_ReleasesLine(t *testing.T) {
	line := &fakeLine{}
	old := openLineFn
	openLineFn = func(pin int) (lineDriver, error) { return line, nil }
	t.Cleanup(func() { openLineFn = old })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(Config{Enable: true})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(line.Values()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("line never written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()
	s.Close()
	line.mu.Lock()
	closed := line.closed
	line.mu.Unlock()
	if !closed {
		t.Fatalf("line not closed")
	}
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
