package vehicle

import (
	"fmt"
	"log"

	"airboat/internal/bridge"
	"airboat/internal/navigation"
)

// TriggerSampler fires the water sampler on s0.
func (s *Service) TriggerSampler() error {
	msg := bridge.Message{}
	if err := msg.Set(bridge.ServoKey(0), bridge.Servo{Sample: bridge.Bool(true)}); err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		log.Printf("vehicle sampler trigger failed: %v", err)
		return fmt.Errorf("vehicle: sampler: %w", err)
	}
	log.Printf("vehicle sampler triggered")
	s.emit(Event{Kind: EventSampler, Command: msg})
	return nil
}

// StartSampling triggers the sampler and holds station at the current pose
// for SamplerKeep. The hold is inserted ahead of the active waypoint so the
// mission resumes afterwards under LINE_FOLLOW.
func (s *Service) StartSampling() error {
	if err := s.TriggerSampler(); err != nil {
		return err
	}
	hold := navigation.Waypoint{Pose: s.Pose(), Keep: s.cfg.SamplerKeep}

	s.navMu.Lock()
	idx := s.index
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.waypoints) {
		idx = len(s.waypoints)
	}
	wps := make([]navigation.Waypoint, 0, len(s.waypoints)+1)
	wps = append(wps, s.waypoints[:idx]...)
	wps = append(wps, hold)
	wps = append(wps, s.waypoints[idx:]...)
	ctrl := navigation.NewLineFollow(s.cfg.Navigation)
	s.installLocked(wps, ctrl, idx)
	s.navMu.Unlock()

	s.SetAutonomous(true)
	log.Printf("vehicle sampling station-keep index=%d keep=%s", idx, s.cfg.SamplerKeep)
	s.emit(Event{Kind: EventMission, Waypoints: wps, Controller: ctrl.Name()})
	return nil
}
