package vehicle

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"airboat/internal/bridge"
	"airboat/internal/crumb"
	"airboat/internal/estimator"
	"airboat/internal/geo"
	"airboat/internal/navigation"
	"airboat/internal/uwb"
)

var nowFn = time.Now

// Status is the waypoint state reported to listeners.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusGoing     Status = "GOING"
	StatusPaused    Status = "PAUSED"
	StatusDone      Status = "DONE"
	StatusCancelled Status = "CANCELLED"
)

// Sender is the outbound half of the hardware bridge.
type Sender interface {
	Send(msg bridge.Message) error
	IsConnected() bool
}

type Config struct {
	Type navigation.VehicleType

	// UpdateInterval is the actuator tick period.
	UpdateInterval time.Duration
	// NavInterval is the navigation tick period.
	NavInterval time.Duration
	// VelocityTimeout zeroes the velocity command if it is not refreshed.
	VelocityTimeout time.Duration
	// SafeThrust scales motor output; 1.0 is full range.
	SafeThrust float64

	Thrust navigation.Gains
	Rudder navigation.Gains

	Navigation navigation.Config
	// KeepDurations fills in station-keep time by waypoint position when a
	// mission leaves Keep unset.
	KeepDurations []time.Duration

	// SamplerKeep is how long to hold station after StartSampling.
	SamplerKeep time.Duration

	// ExpectedSensors maps channel to the sensor type that should report on
	// it. Mismatches are logged once per channel.
	ExpectedSensors map[int]string

	// OnGains is called after thrust or rudder gains change.
	OnGains func(axis int, g navigation.Gains)
}

// Deps are the collaborators a Service drives. Estimator is created with
// defaults when nil; the others are optional.
type Deps struct {
	Estimator *estimator.Estimator
	Bridge    Sender
	Crumbs    *crumb.Arena
	UWB       *uwb.Locator
}

type Snapshot struct {
	Type navigation.VehicleType `json:"type"`

	Pose     geo.Pose            `json:"pose"`
	HaveFix  bool                `json:"have_fix"`
	Source   estimator.Source    `json:"pose_source,omitempty"`
	Velocity navigation.Velocity `json:"velocity"`

	Autonomous bool      `json:"autonomous"`
	Home       *geo.Pose `json:"home,omitempty"`

	Status     Status          `json:"waypoint_status"`
	Index      int             `json:"waypoint_index"`
	Waypoints  int             `json:"waypoint_count"`
	Controller navigation.Name `json:"controller,omitempty"`

	Thrust     navigation.Gains `json:"thrust_gains"`
	Rudder     navigation.Gains `json:"rudder_gains"`
	WinchDepth *float64         `json:"winch_depth,omitempty"`

	Sensors []SensorReading `json:"sensors"`
	Crumbs  int             `json:"crumbs"`
	// CrumbsUnsent counts crumbs no telemetry frame has carried yet.
	CrumbsUnsent int `json:"crumbs_unsent"`
	// GPSStale counts gps frames dropped for an older board timestamp.
	GPSStale uint64 `json:"gps_stale"`

	Connected    bool      `json:"connected"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Service is the vehicle control loop. It owns the actuator tick, the
// navigation task for the active mission and the velocity watchdog.
//
// Lock order: navMu, then mu, then velMu. Listeners are called with no
// locks held.
type Service struct {
	cfg Config

	est    *estimator.Estimator
	out    Sender
	crumbs *crumb.Arena
	uwb    *uwb.Locator

	// navMu guards the mission.
	navMu      sync.Mutex
	waypoints  []navigation.Waypoint
	index      int
	status     Status
	ctrl       navigation.Controller
	ctrlName   navigation.Name
	navCtx     context.Context
	navCancel  context.CancelFunc
	lastNavAt  time.Time
	lastReport int

	// velMu guards the velocity command and its watchdog.
	velMu    sync.Mutex
	vel      navigation.Velocity
	watchdog *time.Timer
	velGen   uint64

	mu          sync.RWMutex
	autonomous  bool
	home        *geo.Pose
	thrust      navigation.Gains
	rudder      navigation.Gains
	winchDepth  *float64
	sensors     map[int]SensorReading
	warnedTypes map[int]bool
	sendErr     string
	lastTickAt  time.Time
	// gpsBoardMs is the board timestamp of the newest accepted gps frame.
	gpsBoardMs  int64
	gpsStale    uint64

	lmu       sync.Mutex
	listeners []func(Event)

	rootMu sync.Mutex
	root   context.Context

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, deps Deps) *Service {
	if cfg.Type == "" {
		cfg.Type = navigation.Differential
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 100 * time.Millisecond
	}
	if cfg.NavInterval <= 0 {
		cfg.NavInterval = 100 * time.Millisecond
	}
	if cfg.VelocityTimeout <= 0 {
		cfg.VelocityTimeout = 2 * time.Second
	}
	if cfg.SafeThrust <= 0 || cfg.SafeThrust > 1 {
		cfg.SafeThrust = 1.0
	}
	if cfg.Thrust == (navigation.Gains{}) {
		cfg.Thrust = navigation.Gains{P: 0.5}
	}
	if cfg.Rudder == (navigation.Gains{}) {
		cfg.Rudder = navigation.Gains{P: 0.7, D: 0.5}
	}
	if cfg.SamplerKeep <= 0 {
		cfg.SamplerKeep = 4 * time.Minute
	}

	est := deps.Estimator
	if est == nil {
		est = estimator.New(estimator.Config{})
	}
	return &Service{
		cfg:         cfg,
		est:         est,
		out:         deps.Bridge,
		crumbs:      deps.Crumbs,
		uwb:         deps.UWB,
		status:      StatusIdle,
		lastReport:  -1,
		thrust:      cfg.Thrust,
		rudder:      cfg.Rudder,
		sensors:     make(map[int]SensorReading),
		warnedTypes: make(map[int]bool),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the actuator tick until ctx is canceled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("vehicle: service is nil")
	}
	s.rootMu.Lock()
	s.root = ctx
	s.rootMu.Unlock()

	log.Printf("vehicle started type=%s update=%s nav=%s velocity_timeout=%s",
		s.cfg.Type, s.cfg.UpdateInterval, s.cfg.NavInterval, s.cfg.VelocityTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.UpdateInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.update(nowFn())
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stopCh:
		}
	}()
	return nil
}

// Close cancels the navigation task and the watchdog and waits for the
// ticks to exit. Safe to call more than once.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		// stopCh closes under navMu so no mission installs a task afterwards.
		s.navMu.Lock()
		close(s.stopCh)
		s.cancelNavLocked()
		s.navMu.Unlock()

		s.velMu.Lock()
		s.stopWatchdogLocked()
		s.velMu.Unlock()
	})
	s.wg.Wait()
}

// Subscribe registers fn for every Event the service emits.
func (s *Service) Subscribe(fn func(Event)) {
	if s == nil || fn == nil {
		return
	}
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

func (s *Service) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = nowFn()
	}
	s.lmu.Lock()
	ls := append([]func(Event){}, s.listeners...)
	s.lmu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// update refreshes the pose, derives actuator commands from the current
// velocity and sends them.
func (s *Service) update(now time.Time) {
	snap := s.est.Snapshot(now)
	if snap.HaveFix && s.crumbs != nil {
		s.crumbs.Observe(snap.Pose)
	}

	msg, err := Actuate(s.cfg.Type, s.Velocity(), s.cfg.SafeThrust)
	if err != nil {
		s.noteSend(err)
		return
	}
	s.mu.Lock()
	s.lastTickAt = now
	s.mu.Unlock()

	if s.out == nil || !s.out.IsConnected() {
		s.noteSend(bridge.ErrConnection)
	} else {
		s.noteSend(s.out.Send(msg))
	}
	s.emit(Event{Kind: EventCommand, At: now, Command: msg})
}

// noteSend logs transitions between send failure and success.
func (s *Service) noteSend(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.mu.Lock()
	prev := s.sendErr
	s.sendErr = msg
	s.mu.Unlock()
	if msg == prev {
		return
	}
	if msg != "" {
		log.Printf("vehicle command not sent: %v", err)
	} else {
		log.Printf("vehicle commands flowing again")
	}
}

// Pose returns the current estimate.
func (s *Service) Pose() geo.Pose {
	return s.est.Pose(nowFn())
}

// SetPose overrides the estimate, e.g. after an operator correction.
func (s *Service) SetPose(p geo.Pose) {
	s.est.Reset(p, nowFn())
	log.Printf("vehicle pose reset pose=%s", p)
}

// Velocity returns the current velocity command.
func (s *Service) Velocity() navigation.Velocity {
	s.velMu.Lock()
	defer s.velMu.Unlock()
	return s.vel
}

// SetVelocity sets the velocity command and re-arms the watchdog.
func (s *Service) SetVelocity(v navigation.Velocity) {
	v = v.Clamp()
	s.velMu.Lock()
	defer s.velMu.Unlock()
	s.vel = v
	s.stopWatchdogLocked()
	gen := s.velGen
	s.watchdog = time.AfterFunc(s.cfg.VelocityTimeout, func() { s.expireVelocity(gen) })
}

func (s *Service) expireVelocity(gen uint64) {
	s.velMu.Lock()
	defer s.velMu.Unlock()
	if gen != s.velGen {
		return
	}
	if !s.vel.IsZero() {
		log.Printf("vehicle velocity watchdog expired after %s", s.cfg.VelocityTimeout)
	}
	s.vel = navigation.Velocity{}
	s.watchdog = nil
}

func (s *Service) zeroVelocity() {
	s.velMu.Lock()
	defer s.velMu.Unlock()
	s.stopWatchdogLocked()
	s.vel = navigation.Velocity{}
}

func (s *Service) stopWatchdogLocked() {
	s.velGen++
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Service) IsAutonomous() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autonomous
}

// SetAutonomous toggles autonomy. The first switch into autonomy records
// the current pose as home. The velocity command is zeroed either way.
func (s *Service) SetAutonomous(on bool) {
	pose := s.Pose()
	s.mu.Lock()
	changed := s.autonomous != on
	s.autonomous = on
	setHome := on && s.home == nil
	if setHome {
		s.home = &pose
	}
	s.mu.Unlock()

	s.zeroVelocity()
	if changed {
		log.Printf("vehicle autonomous=%t", on)
	}
	if setHome {
		log.Printf("vehicle home set pose=%s", pose)
		s.emit(Event{Kind: EventHome, Pose: pose})
	}
}

// Home returns the pose recorded on first autonomy.
func (s *Service) Home() (geo.Pose, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.home == nil {
		return geo.Pose{}, false
	}
	return *s.home, true
}

// SetHome overrides the home pose.
func (s *Service) SetHome(p geo.Pose) {
	s.mu.Lock()
	s.home = &p
	s.mu.Unlock()
	s.emit(Event{Kind: EventHome, Pose: p})
}

// Sensors returns the latest reading per channel, ordered by channel.
func (s *Service) Sensors() []SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SensorReading, 0, len(s.sensors))
	for _, r := range s.sensors {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	now := nowFn()
	est := s.est.Snapshot(now)

	s.navMu.Lock()
	out := Snapshot{
		Type:       s.cfg.Type,
		Status:     s.status,
		Index:      s.index,
		Waypoints:  len(s.waypoints),
		Controller: s.ctrlName,
	}
	s.navMu.Unlock()

	out.Pose = est.Pose
	out.HaveFix = est.HaveFix
	out.Source = est.Source
	out.Velocity = s.Velocity()
	out.Sensors = s.Sensors()

	s.mu.RLock()
	out.Autonomous = s.autonomous
	if s.home != nil {
		h := *s.home
		out.Home = &h
	}
	out.Thrust = s.thrust
	out.Rudder = s.rudder
	if s.winchDepth != nil {
		d := *s.winchDepth
		out.WinchDepth = &d
	}
	out.LastUpdateAt = s.lastTickAt
	out.LastError = s.sendErr
	out.GPSStale = s.gpsStale
	s.mu.RUnlock()

	if s.crumbs != nil {
		out.Crumbs = s.crumbs.Len()
		out.CrumbsUnsent = len(s.crumbs.Unsent())
	}
	if s.out != nil {
		out.Connected = s.out.IsConnected()
	}
	return out
}
