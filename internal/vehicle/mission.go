package vehicle

import (
	"context"
	"log"
	"time"

	"airboat/internal/navigation"
)

// StartWaypoints replaces the mission and starts a fresh navigation task,
// canceling any previous one. An unknown controller name runs the mission
// under STOP and is reported through the returned error.
func (s *Service) StartWaypoints(list []navigation.Waypoint, controller string) error {
	ctrl, err := navigation.Lookup(controller, s.cfg.Navigation)
	if err != nil {
		log.Printf("vehicle %v; falling back to %s", err, ctrl.Name())
	}

	wps := append([]navigation.Waypoint(nil), list...)
	for i := range wps {
		if wps[i].Keep == 0 && i < len(s.cfg.KeepDurations) {
			wps[i].Keep = s.cfg.KeepDurations[i]
		}
	}

	s.navMu.Lock()
	s.installLocked(wps, ctrl, 0)
	s.navMu.Unlock()

	log.Printf("vehicle mission started controller=%s waypoints=%d", ctrl.Name(), len(wps))
	s.emit(Event{Kind: EventMission, Waypoints: wps, Controller: ctrl.Name()})
	return err
}

// installLocked swaps in a mission and its navigation task.
func (s *Service) installLocked(wps []navigation.Waypoint, ctrl navigation.Controller, index int) {
	s.cancelNavLocked()

	ctrl.Reset()
	s.waypoints = wps
	s.index = index
	s.ctrl = ctrl
	s.ctrlName = ctrl.Name()
	// A pending mission is never IDLE, so the failsafe cannot mistake it
	// for a free vehicle before the first navigation tick.
	switch {
	case len(wps) == 0:
		s.status = StatusIdle
	case s.IsAutonomous():
		s.status = StatusGoing
	default:
		s.status = StatusPaused
	}
	s.lastNavAt = time.Time{}
	s.lastReport = -1

	s.rootMu.Lock()
	root := s.root
	s.rootMu.Unlock()
	if root == nil {
		root = context.Background()
	}
	ctx, cancel := context.WithCancel(root)
	s.navCtx = ctx
	s.navCancel = cancel

	select {
	case <-s.stopCh:
		// Closed: keep the mission state but run no task.
		s.cancelNavLocked()
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.NavInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.navigate(ctx, nowFn())
			}
		}
	}()
}

func (s *Service) cancelNavLocked() {
	if s.navCancel != nil {
		s.navCancel()
	}
	s.navCancel = nil
	s.navCtx = nil
}

// StopWaypoints cancels the navigation task, clears the mission and zeroes
// the velocity command.
func (s *Service) StopWaypoints() {
	s.navMu.Lock()
	s.cancelNavLocked()
	s.waypoints = nil
	s.index = 0
	s.ctrl = nil
	s.ctrlName = ""
	s.status = StatusCancelled
	s.lastReport = -1
	s.navMu.Unlock()

	s.zeroVelocity()
	log.Printf("vehicle mission stopped")
	s.emit(Event{Kind: EventStatus, Status: StatusCancelled, Index: 0})
}

// Waypoints returns a copy of the mission.
func (s *Service) Waypoints() []navigation.Waypoint {
	s.navMu.Lock()
	defer s.navMu.Unlock()
	return append([]navigation.Waypoint(nil), s.waypoints...)
}

func (s *Service) WaypointStatus() Status {
	s.navMu.Lock()
	defer s.navMu.Unlock()
	return s.status
}

// WaypointIndex returns the active waypoint index; len(Waypoints()) once the
// mission is done.
func (s *Service) WaypointIndex() int {
	s.navMu.Lock()
	defer s.navMu.Unlock()
	return s.index
}

// Controller returns the active mission's controller name.
func (s *Service) Controller() navigation.Name {
	s.navMu.Lock()
	defer s.navMu.Unlock()
	return s.ctrlName
}

// navigate runs one navigation tick for the mission that owns ctx.
func (s *Service) navigate(ctx context.Context, now time.Time) {
	s.navMu.Lock()
	if ctx == nil || ctx.Err() != nil || ctx != s.navCtx {
		s.navMu.Unlock()
		return
	}

	dt := s.cfg.NavInterval
	if !s.lastNavAt.IsZero() {
		if d := now.Sub(s.lastNavAt); d > 0 {
			dt = d
		}
	}
	s.lastNavAt = now

	var status Status
	switch {
	case !s.IsAutonomous():
		status = StatusPaused
	case s.index >= len(s.waypoints):
		status = StatusDone
		s.cancelNavLocked()
		s.zeroVelocity()
		log.Printf("vehicle mission done waypoints=%d", len(s.waypoints))
	default:
		s.mu.RLock()
		thrust, rudder := s.thrust, s.rudder
		s.mu.RUnlock()
		st := navigation.State{
			Now:       now,
			Pose:      s.est.Pose(now),
			YawRate:   s.est.YawRate(),
			Waypoints: s.waypoints,
			Index:     s.index,
			Thrust:    thrust,
			Rudder:    rudder,
			Vehicle:   s.cfg.Type,
		}
		cmd := s.ctrl.Update(st, dt)
		if cmd.Advance {
			s.index++
			log.Printf("vehicle waypoint reached index=%d of=%d", s.index-1, len(s.waypoints))
		}
		s.SetVelocity(cmd.Velocity)
		status = StatusGoing
	}

	report := status != s.status || s.index != s.lastReport
	s.status = status
	s.lastReport = s.index
	index := s.index
	s.navMu.Unlock()

	if report {
		s.emit(Event{Kind: EventStatus, At: now, Status: status, Index: index})
	}
}
