package failsafe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"airboat/internal/crumb"
	"airboat/internal/geo"
	"airboat/internal/navigation"
	"airboat/internal/vehicle"
)

var nowFn = time.Now

type State string

const (
	Connected              State = "CONNECTED"
	FailsafeToLastLocation State = "FAILSAFE_TO_LAST_LOCATION"
	FailsafeToHomeLocation State = "FAILSAFE_TO_HOME_LOCATION"
)

// Vehicle is the part of the control loop the supervisor drives.
type Vehicle interface {
	Pose() geo.Pose
	Home() (geo.Pose, bool)
	WaypointStatus() vehicle.Status
	Waypoints() []navigation.Waypoint
	StartWaypoints(list []navigation.Waypoint, controller string) error
	SetAutonomous(on bool)
}

// Prober tests reachability of the operator.
type Prober interface {
	Probe(ctx context.Context) error
}

// DialProber probes with a TCP connect. A refused connection still proves
// the host answered, so it counts as reachable.
type DialProber struct {
	Addr string
}

func (p DialProber) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if errors.Is(err, syscall.ECONNREFUSED) {
		return nil
	}
	if err != nil {
		return err
	}
	return conn.Close()
}

type Config struct {
	Enable bool

	// Interval between connectivity checks.
	Interval time.Duration
	// ProbeTimeout bounds each check.
	ProbeTimeout time.Duration
	// Timeout is how long connectivity may be lost before engaging.
	Timeout time.Duration

	// Controller drives failsafe missions; empty selects the default.
	Controller string
	// Home overrides the vehicle's recorded home.
	Home *geo.Pose
	// Tolerance in meters for treating two targets as the same.
	Tolerance float64
}

type Deps struct {
	Vehicle Vehicle
	Prober  Prober
	// Crumbs routes failsafe legs along the travelled path when set.
	Crumbs *crumb.Arena
	// OnState is called on every state change.
	OnState func(State)
}

type Snapshot struct {
	Enabled bool  `json:"enabled"`
	State   State `json:"state"`

	LastConnectedAt time.Time `json:"last_connected_utc,omitempty"`
	LastConnected   *geo.Pose `json:"last_connected,omitempty"`
	Target          *geo.Pose `json:"target,omitempty"`

	Probes      uint64 `json:"probes"`
	Failures    uint64 `json:"failures"`
	Engagements uint64 `json:"engagements"`

	LastError string `json:"last_error,omitempty"`
}

// Supervisor watches operator connectivity and sends the vehicle back to
// the last connected pose, then home, when it is lost.
type Supervisor struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	state     State
	lastAt    time.Time
	lastPose  *geo.Pose
	target    *geo.Pose
	arrivedAt time.Time
	probes    uint64
	failures  uint64
	engaged   uint64
	lastErr   string
	noHome    bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, deps Deps) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.5
	}
	return &Supervisor{cfg: cfg, deps: deps, state: Connected}
}

// Start runs the watchdog. The first check happens immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("failsafe: supervisor is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if s.deps.Vehicle == nil || s.deps.Prober == nil {
		return fmt.Errorf("failsafe: vehicle and prober are required")
	}

	s.mu.Lock()
	// Count the loss window from startup until the first good probe.
	s.lastAt = nowFn()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	log.Printf("failsafe enabled interval=%s timeout=%s", s.cfg.Interval, s.cfg.Timeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		s.tick(ctx, nowFn())
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.tick(ctx, nowFn())
			}
		}
	}()
	return nil
}

// Shutdown stops the watchdog. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	s.wg.Wait()
}

// CheckConnection probes the operator. On success the current pose and time
// become the last known good.
func (s *Supervisor) CheckConnection(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	err := s.deps.Prober.Probe(pctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
		return false
	}
	pose := s.deps.Vehicle.Pose()
	s.lastPose = &pose
	s.lastAt = nowFn()
	s.lastErr = ""
	return true
}

func (s *Supervisor) tick(ctx context.Context, now time.Time) {
	s.CheckConnection(ctx)

	s.mu.Lock()
	recent := now.Sub(s.lastAt) <= s.cfg.Timeout
	prev := s.state

	switch s.state {
	case Connected:
		if recent {
			break
		}
		if s.lastPose != nil {
			s.state = FailsafeToLastLocation
			log.Printf("failsafe connectivity lost for %s; returning to last connected pose", now.Sub(s.lastAt).Round(time.Second))
			s.engageLocked(*s.lastPose)
		} else {
			s.state = FailsafeToHomeLocation
			log.Printf("failsafe connectivity lost with no connected pose; returning home")
			s.engageHomeLocked()
		}

	case FailsafeToLastLocation:
		if recent {
			// The mission in progress is left for the operator to stop.
			s.state = Connected
			log.Printf("failsafe disengaged; connectivity re-established")
			break
		}
		if s.lastPose == nil || s.engageLocked(*s.lastPose) {
			break
		}
		if !s.arrivedLocked(*s.lastPose) {
			break
		}
		// At the last connected pose and still no link: wait one more
		// timeout, then head home.
		if s.arrivedAt.IsZero() {
			s.arrivedAt = now
			break
		}
		if now.Sub(s.arrivedAt) >= s.cfg.Timeout {
			s.state = FailsafeToHomeLocation
			log.Printf("failsafe no connectivity at last connected pose; returning home")
			s.engageHomeLocked()
		}

	case FailsafeToHomeLocation:
		if recent {
			s.state = Connected
			log.Printf("failsafe disengaged; connectivity re-established")
			break
		}
		s.engageHomeLocked()
	}

	if s.state != prev {
		s.arrivedAt = time.Time{}
	}
	state := s.state
	s.mu.Unlock()

	if state != prev && s.deps.OnState != nil {
		s.deps.OnState(state)
	}
}

// arrivedLocked reports whether the vehicle finished a mission ending at
// target.
func (s *Supervisor) arrivedLocked(target geo.Pose) bool {
	if s.deps.Vehicle.WaypointStatus() != vehicle.StatusDone {
		return false
	}
	return s.routedTo(target)
}

func (s *Supervisor) routedTo(target geo.Pose) bool {
	wps := s.deps.Vehicle.Waypoints()
	if len(wps) == 0 {
		return false
	}
	return geo.SamePosition(wps[len(wps)-1].Pose, target, s.cfg.Tolerance)
}

func (s *Supervisor) engageHomeLocked() bool {
	home, ok := s.home()
	if !ok {
		if !s.noHome {
			log.Printf("failsafe cannot return home: no home pose")
		}
		s.noHome = true
		s.lastErr = "failsafe: no home pose"
		return false
	}
	s.noHome = false
	return s.engageLocked(home)
}

func (s *Supervisor) home() (geo.Pose, bool) {
	if s.cfg.Home != nil {
		return *s.cfg.Home, true
	}
	return s.deps.Vehicle.Home()
}

// Engage sends the vehicle to target unless it is already busy with a
// mission or already routed there. Reports whether a mission was started.
func (s *Supervisor) Engage(target geo.Pose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engageLocked(target)
}

func (s *Supervisor) engageLocked(target geo.Pose) bool {
	v := s.deps.Vehicle
	switch v.WaypointStatus() {
	case vehicle.StatusGoing, vehicle.StatusPaused:
		return false
	case vehicle.StatusIdle:
		if len(v.Waypoints()) > 0 {
			return false
		}
	}
	if s.routedTo(target) {
		return false
	}

	route := []geo.Pose{target}
	if s.deps.Crumbs != nil {
		var ok bool
		if route, ok = s.deps.Crumbs.Route(v.Pose(), target); !ok {
			log.Printf("failsafe no breadcrumb path to target=%s; going straight", target)
			route = s.deps.Crumbs.StraightHome(v.Pose(), target)
		}
	}
	wps := make([]navigation.Waypoint, len(route))
	for i, p := range route {
		wps[i] = navigation.Waypoint{Pose: p}
	}

	if err := v.StartWaypoints(wps, s.cfg.Controller); err != nil {
		log.Printf("failsafe start waypoints: %v", err)
	}
	v.SetAutonomous(true)
	t := target
	s.target = &t
	s.engaged++
	log.Printf("failsafe engaged target=%s legs=%d", target, len(wps))
	return true
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Enabled:         s.cfg.Enable,
		State:           s.state,
		LastConnectedAt: s.lastAt,
		Probes:          s.probes,
		Failures:        s.failures,
		Engagements:     s.engaged,
		LastError:       s.lastErr,
	}
	if s.lastPose != nil {
		p := *s.lastPose
		out.LastConnected = &p
	}
	if s.target != nil {
		t := *s.target
		out.Target = &t
	}
	return out
}
