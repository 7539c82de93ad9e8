package vehicle

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"airboat/internal/bridge"
	"airboat/internal/crumb"
	"airboat/internal/estimator"
	"airboat/internal/geo"
	"airboat/internal/navigation"
)

var origin = geo.Origin{Zone: 17, North: true}

func at(e, n float64) geo.Pose {
	return geo.Pose{Easting: e, Northing: n, Origin: origin}
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []bridge.Message
}

func (f *fakeSender) Send(msg bridge.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return bridge.ErrConnection
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Sent() []bridge.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.Message(nil), f.sent...)
}

type fixture struct {
	s   *Service
	out *fakeSender
	est *estimator.Estimator
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	// Tests drive ticks by hand.
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = time.Hour
	}
	if cfg.NavInterval == 0 {
		cfg.NavInterval = time.Hour
	}
	est := estimator.New(estimator.Config{DefaultPose: at(0, 0)})
	out := &fakeSender{connected: true}
	s := New(cfg, Deps{Estimator: est, Bridge: out})
	t.Cleanup(s.Close)
	return fixture{s: s, out: out, est: est}
}

// step runs one navigation tick for the active mission.
func step(s *Service, now time.Time) {
	s.navMu.Lock()
	ctx := s.navCtx
	s.navMu.Unlock()
	s.navigate(ctx, now)
}

func motorV(t *testing.T, msg bridge.Message, key string) float64 {
	t.Helper()
	var m bridge.Motor
	if err := json.Unmarshal(msg[key], &m); err != nil {
		t.Fatalf("decode %s: %v (msg=%v)", key, err, msg)
	}
	return m.V
}

func TestActuate(t *testing.T) {
	cases := []struct {
		name   string
		typ    navigation.VehicleType
		v      navigation.Velocity
		safe   float64
		m0, m1 float64
		s0     float64
	}{
		{name: "differential", typ: navigation.Differential, v: navigation.Velocity{Surge: 0.5, Yaw: 0.25}, safe: 1, m0: 0.25, m1: 0.75},
		{name: "differential_safe", typ: navigation.Differential, v: navigation.Velocity{Surge: 0.5, Yaw: 0.25}, safe: 0.5, m0: 0.125, m1: 0.375},
		{name: "differential_clip", typ: navigation.Differential, v: navigation.Velocity{Surge: 1, Yaw: 1}, safe: 1, m0: 0, m1: 1},
		{name: "vectored", typ: navigation.Vectored, v: navigation.Velocity{Surge: 0.5, Yaw: 0.25}, safe: 0.5, m0: 0.25, s0: -0.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Actuate(tc.typ, tc.v, tc.safe)
			if err != nil {
				t.Fatalf("Actuate: %v", err)
			}
			if got := motorV(t, msg, "m0"); math.Abs(got-tc.m0) > 1e-12 {
				t.Fatalf("m0=%v want %v", got, tc.m0)
			}
			if tc.typ == navigation.Differential {
				if got := motorV(t, msg, "m1"); math.Abs(got-tc.m1) > 1e-12 {
					t.Fatalf("m1=%v want %v", got, tc.m1)
				}
				return
			}
			var servo bridge.Servo
			if err := json.Unmarshal(msg["s0"], &servo); err != nil || servo.P == nil {
				t.Fatalf("s0=%s err=%v", msg["s0"], err)
			}
			if math.Abs(*servo.P-tc.s0) > 1e-12 {
				t.Fatalf("s0.p=%v want %v", *servo.P, tc.s0)
			}
		})
	}

	if _, err := Actuate("HOVERCRAFT", navigation.Velocity{}, 1); err == nil {
		t.Fatalf("expected error for unknown vehicle type")
	}
}

func TestUpdate_SendsCommandWhenConnected(t *testing.T) {
	f := newFixture(t, Config{})
	f.s.SetVelocity(navigation.Velocity{Surge: 0.5})
	f.s.update(time.Now())

	sent := f.out.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent=%d want 1", len(sent))
	}
	if motorV(t, sent[0], "m0") != 0.5 || motorV(t, sent[0], "m1") != 0.5 {
		t.Fatalf("unexpected command %v", sent[0])
	}
}

func TestUpdate_SendFailureDoesNotStopLoop(t *testing.T) {
	f := newFixture(t, Config{})
	var cmds int
	f.s.Subscribe(func(ev Event) {
		if ev.Kind == EventCommand {
			cmds++
		}
	})

	f.out.mu.Lock()
	f.out.connected = false
	f.out.mu.Unlock()
	f.s.update(time.Now())
	if got := f.s.Snapshot().LastError; got != bridge.ErrConnection.Error() {
		t.Fatalf("last_error=%q want %q", got, bridge.ErrConnection.Error())
	}

	f.out.mu.Lock()
	f.out.connected = true
	f.out.err = errors.New("write: broken pipe")
	f.out.mu.Unlock()
	f.s.update(time.Now())

	f.out.mu.Lock()
	f.out.err = nil
	f.out.mu.Unlock()
	f.s.update(time.Now())

	if len(f.out.Sent()) != 1 {
		t.Fatalf("sent=%d want 1 after recovery", len(f.out.Sent()))
	}
	if cmds != 3 {
		t.Fatalf("command events=%d want 3", cmds)
	}
	if got := f.s.Snapshot().LastError; got != "" {
		t.Fatalf("last_error=%q want cleared", got)
	}
}

func TestUpdate_DropsCrumbsOnceFixed(t *testing.T) {
	est := estimator.New(estimator.Config{DefaultPose: at(0, 0)})
	arena := crumb.NewArena(10)
	s := New(Config{UpdateInterval: time.Hour}, Deps{Estimator: est, Crumbs: arena})
	t.Cleanup(s.Close)

	now := time.Unix(1000, 0)
	s.update(now)
	if arena.Len() != 0 {
		t.Fatalf("crumbs=%d want 0 before first fix", arena.Len())
	}
	est.GPSUpdate(at(0, 0), now)
	s.update(now)
	est.Reset(at(15, 0), now.Add(time.Second))
	s.update(now.Add(time.Second))
	if arena.Len() != 2 {
		t.Fatalf("crumbs=%d want 2", arena.Len())
	}
}

func TestVelocityWatchdog_DecaysToZero(t *testing.T) {
	f := newFixture(t, Config{VelocityTimeout: 20 * time.Millisecond})
	f.s.SetVelocity(navigation.Velocity{Surge: 0.8, Yaw: -0.2})
	if v := f.s.Velocity(); v.Surge != 0.8 {
		t.Fatalf("velocity=%+v want surge 0.8", v)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !f.s.Velocity().IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("velocity did not decay: %+v", f.s.Velocity())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVelocityWatchdog_RearmedBySetVelocity(t *testing.T) {
	f := newFixture(t, Config{VelocityTimeout: time.Hour})
	f.s.SetVelocity(navigation.Velocity{Surge: 0.3})
	first := f.s.velGen
	f.s.SetVelocity(navigation.Velocity{Surge: 0.4})
	if f.s.velGen == first {
		t.Fatalf("watchdog was not re-armed")
	}
	// A stale timer firing must not clobber the fresh command.
	f.s.expireVelocity(first)
	if f.s.Velocity().Surge != 0.4 {
		t.Fatalf("velocity=%+v want surge 0.4", f.s.Velocity())
	}
}

func TestSetVelocity_Clamps(t *testing.T) {
	f := newFixture(t, Config{})
	f.s.SetVelocity(navigation.Velocity{Surge: 3, Yaw: -7})
	if v := f.s.Velocity(); v.Surge != 1 || v.Yaw != -1 {
		t.Fatalf("velocity=%+v want clamped", v)
	}
}

func TestMission_PausedUntilAutonomousThenDone(t *testing.T) {
	f := newFixture(t, Config{})
	var statuses []Status
	f.s.Subscribe(func(ev Event) {
		if ev.Kind == EventStatus {
			statuses = append(statuses, ev.Status)
		}
	})

	wps := []navigation.Waypoint{{Pose: at(3, 0)}}
	if err := f.s.StartWaypoints(wps, "POINT_AND_SHOOT"); err != nil {
		t.Fatalf("StartWaypoints: %v", err)
	}
	now := time.Unix(1000, 0)

	step(f.s, now)
	if f.s.WaypointStatus() != StatusPaused || f.s.WaypointIndex() != 0 {
		t.Fatalf("status=%s index=%d want PAUSED 0", f.s.WaypointStatus(), f.s.WaypointIndex())
	}

	f.s.SetAutonomous(true)
	step(f.s, now.Add(100*time.Millisecond))
	if f.s.WaypointIndex() != 1 {
		t.Fatalf("index=%d want 1 after arrival", f.s.WaypointIndex())
	}

	f.s.SetVelocity(navigation.Velocity{Surge: 0.5})
	step(f.s, now.Add(200*time.Millisecond))
	if f.s.WaypointStatus() != StatusDone {
		t.Fatalf("status=%s want DONE", f.s.WaypointStatus())
	}
	if !f.s.Velocity().IsZero() {
		t.Fatalf("velocity=%+v want zero on done", f.s.Velocity())
	}
	if f.s.WaypointIndex() != len(f.s.Waypoints()) {
		t.Fatalf("index=%d want len", f.s.WaypointIndex())
	}

	f.s.navMu.Lock()
	ctx := f.s.navCtx
	f.s.navMu.Unlock()
	if ctx != nil {
		t.Fatalf("navigation task still installed after done")
	}

	want := []Status{StatusPaused, StatusGoing, StatusDone}
	if len(statuses) != len(want) {
		t.Fatalf("statuses=%v want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses=%v want %v", statuses, want)
		}
	}
}

func TestMission_DrivesTowardWaypoint(t *testing.T) {
	f := newFixture(t, Config{})
	f.s.SetAutonomous(true)
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(50, 0)}}, "LINE_FOLLOW")
	step(f.s, time.Unix(1000, 0))

	if f.s.WaypointStatus() != StatusGoing {
		t.Fatalf("status=%s want GOING", f.s.WaypointStatus())
	}
	if v := f.s.Velocity(); v.Surge != 0.5 {
		t.Fatalf("velocity=%+v want surge 0.5", v)
	}
}

func TestMission_NewMissionCancelsPrevious(t *testing.T) {
	f := newFixture(t, Config{})
	f.s.SetAutonomous(true)
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(3, 0)}}, "")

	f.s.navMu.Lock()
	old := f.s.navCtx
	f.s.navMu.Unlock()

	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(100, 0)}, {Pose: at(200, 0)}}, "")
	if old.Err() == nil {
		t.Fatalf("previous navigation task not canceled")
	}

	// A tick from the old task is ignored.
	f.s.navigate(old, time.Unix(1000, 0))
	if f.s.WaypointIndex() != 0 || f.s.WaypointStatus() != StatusGoing {
		t.Fatalf("stale tick changed state: index=%d status=%s", f.s.WaypointIndex(), f.s.WaypointStatus())
	}
}

func TestStartWaypoints_StatusBeforeFirstTick(t *testing.T) {
	f := newFixture(t, Config{})
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(50, 0)}}, "")
	if st := f.s.WaypointStatus(); st != StatusPaused {
		t.Fatalf("status=%s want PAUSED while not autonomous", st)
	}

	f.s.SetAutonomous(true)
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(60, 0)}}, "")
	if st := f.s.WaypointStatus(); st != StatusGoing {
		t.Fatalf("status=%s want GOING while autonomous", st)
	}

	_ = f.s.StartWaypoints(nil, "")
	if st := f.s.WaypointStatus(); st != StatusIdle {
		t.Fatalf("status=%s want IDLE for empty mission", st)
	}
}

func TestMission_UnknownControllerFallsBackToStop(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(50, 0)}}, "WARP")
	if !errors.Is(err, navigation.ErrUnknownController) {
		t.Fatalf("err=%v want ErrUnknownController", err)
	}
	if f.s.Controller() != navigation.Stop {
		t.Fatalf("controller=%s want STOP", f.s.Controller())
	}
	f.s.SetAutonomous(true)
	step(f.s, time.Unix(1000, 0))
	if !f.s.Velocity().IsZero() {
		t.Fatalf("velocity=%+v want zero under STOP", f.s.Velocity())
	}
}

func TestMission_KeepDurationsFromConfig(t *testing.T) {
	f := newFixture(t, Config{KeepDurations: []time.Duration{0, 30 * time.Second}})
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(1, 0)}, {Pose: at(2, 0)}, {Pose: at(3, 0), Keep: time.Second}}, "LINE_FOLLOW")
	got := f.s.Waypoints()
	if got[0].Keep != 0 || got[1].Keep != 30*time.Second || got[2].Keep != time.Second {
		t.Fatalf("keeps=%v,%v,%v", got[0].Keep, got[1].Keep, got[2].Keep)
	}
}

func TestStopWaypoints(t *testing.T) {
	f := newFixture(t, Config{})
	f.s.SetAutonomous(true)
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(50, 0)}}, "")
	step(f.s, time.Unix(1000, 0))
	if f.s.Velocity().IsZero() {
		t.Fatalf("expected a drive command before stop")
	}

	f.s.StopWaypoints()
	if len(f.s.Waypoints()) != 0 {
		t.Fatalf("waypoints=%d want 0", len(f.s.Waypoints()))
	}
	if !f.s.Velocity().IsZero() {
		t.Fatalf("velocity=%+v want zero", f.s.Velocity())
	}
	if f.s.WaypointStatus() != StatusCancelled {
		t.Fatalf("status=%s want CANCELLED", f.s.WaypointStatus())
	}
}

func TestSetAutonomous_RecordsHomeOnce(t *testing.T) {
	f := newFixture(t, Config{})
	if _, ok := f.s.Home(); ok {
		t.Fatalf("home set before autonomy")
	}
	f.est.Reset(at(10, 20), time.Now())
	f.s.SetAutonomous(true)
	home, ok := f.s.Home()
	if !ok || home.Easting != 10 || home.Northing != 20 {
		t.Fatalf("home=%v ok=%v want (10,20)", home, ok)
	}

	f.s.SetAutonomous(false)
	f.est.Reset(at(99, 99), time.Now())
	f.s.SetAutonomous(true)
	if home, _ := f.s.Home(); home.Easting != 10 {
		t.Fatalf("home moved on second autonomy: %v", home)
	}
}

func TestGains(t *testing.T) {
	var persisted []int
	f := newFixture(t, Config{OnGains: func(axis int, g navigation.Gains) { persisted = append(persisted, axis) }})

	g, err := f.s.Gains(AxisThrust)
	if err != nil || g != (navigation.Gains{P: 0.5}) {
		t.Fatalf("thrust=%+v err=%v", g, err)
	}
	g, _ = f.s.Gains(AxisRudder)
	if g != (navigation.Gains{P: 0.7, D: 0.5}) {
		t.Fatalf("rudder=%+v", g)
	}

	if err := f.s.SetGains(AxisRudder, navigation.Gains{P: 1, I: 0.1, D: 0.2}); err != nil {
		t.Fatalf("SetGains: %v", err)
	}
	if g, _ := f.s.Gains(AxisRudder); g.P != 1 || g.I != 0.1 {
		t.Fatalf("rudder=%+v", g)
	}
	if len(persisted) != 1 || persisted[0] != AxisRudder {
		t.Fatalf("persisted=%v", persisted)
	}

	for _, axis := range []int{1, 2, 4, 6} {
		if _, err := f.s.Gains(axis); !errors.Is(err, ErrUnknownAxis) {
			t.Fatalf("Gains(%d) err=%v want ErrUnknownAxis", axis, err)
		}
		if err := f.s.SetGains(axis, navigation.Gains{}); !errors.Is(err, ErrUnknownAxis) {
			t.Fatalf("SetGains(%d) err=%v want ErrUnknownAxis", axis, err)
		}
	}
}

func TestSetGains_WinchCommand(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.s.SetGains(AxisWinch, navigation.Gains{P: -2}); err != nil {
		t.Fatalf("SetGains: %v", err)
	}
	sent := f.out.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent=%d want 1", len(sent))
	}
	if got := string(sent[0]["s2"]); got != `{"p":2,"v":-500}` {
		t.Fatalf("s2=%s", got)
	}

	if g, _ := f.s.Gains(AxisWinch); !math.IsNaN(g.P) {
		t.Fatalf("winch depth=%v want NaN before reading", g.P)
	}
	f.s.OnCommand(bridge.Message{"s2": json.RawMessage(`{"type":"winch","depth":1.5}`)})
	if g, _ := f.s.Gains(AxisWinch); g.P != 1.5 {
		t.Fatalf("winch depth=%v want 1.5", g.P)
	}

	f.out.mu.Lock()
	f.out.connected = false
	f.out.mu.Unlock()
	if err := f.s.SetGains(AxisWinch, navigation.Gains{P: 1}); !errors.Is(err, bridge.ErrConnection) {
		t.Fatalf("err=%v want ErrConnection", err)
	}
}

func TestStartSampling_InsertsStationKeep(t *testing.T) {
	f := newFixture(t, Config{})
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(10, 0)}, {Pose: at(20, 0)}, {Pose: at(30, 0)}}, "POINT_AND_SHOOT")
	f.s.navMu.Lock()
	f.s.index = 1
	f.s.navMu.Unlock()
	f.est.Reset(at(12, 3), time.Now())

	if err := f.s.StartSampling(); err != nil {
		t.Fatalf("StartSampling: %v", err)
	}
	if !f.s.IsAutonomous() {
		t.Fatalf("expected autonomy after sampling start")
	}
	wps := f.s.Waypoints()
	if len(wps) != 4 || f.s.WaypointIndex() != 1 {
		t.Fatalf("waypoints=%d index=%d want 4 1", len(wps), f.s.WaypointIndex())
	}
	if wps[1].Keep != 4*time.Minute || wps[1].Pose.Easting != 12 || wps[2].Pose.Easting != 20 {
		t.Fatalf("inserted=%+v next=%+v", wps[1], wps[2])
	}
	if f.s.Controller() != navigation.LineFollow {
		t.Fatalf("controller=%s want LINE_FOLLOW", f.s.Controller())
	}

	sent := f.out.Sent()
	if len(sent) != 1 || string(sent[0]["s0"]) != `{"sample":true}` {
		t.Fatalf("sent=%v want sampler trigger", sent)
	}

	// Holding at the inserted waypoint.
	step(f.s, time.Unix(1000, 0))
	if f.s.WaypointIndex() != 1 || f.s.WaypointStatus() != StatusGoing {
		t.Fatalf("index=%d status=%s want 1 GOING", f.s.WaypointIndex(), f.s.WaypointStatus())
	}
}

func TestStartSampling_EmptyMission(t *testing.T) {
	f := newFixture(t, Config{SamplerKeep: time.Minute})
	if err := f.s.StartSampling(); err != nil {
		t.Fatalf("StartSampling: %v", err)
	}
	wps := f.s.Waypoints()
	if len(wps) != 1 || wps[0].Keep != time.Minute || f.s.WaypointIndex() != 0 {
		t.Fatalf("waypoints=%+v index=%d", wps, f.s.WaypointIndex())
	}
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(50, 0)}}, "")
	f.s.Close()
	f.s.Close()

	// Missions installed after close run no task.
	_ = f.s.StartWaypoints([]navigation.Waypoint{{Pose: at(60, 0)}}, "")
	f.s.navMu.Lock()
	ctx := f.s.navCtx
	f.s.navMu.Unlock()
	if ctx != nil {
		t.Fatalf("navigation task installed after close")
	}
}
