package vehicle

import (
	"errors"
	"fmt"
	"log"
	"math"

	"airboat/internal/bridge"
	"airboat/internal/navigation"
)

// Gain axes. Thrust and rudder feed the navigation controllers; the winch
// axis is a command channel, not a controller.
const (
	AxisThrust = 0
	AxisWinch  = 3
	AxisRudder = 5
)

// winchSpeed is the winch motor speed sent with every winch command.
const winchSpeed = 500

var ErrUnknownAxis = errors.New("vehicle: unknown gain axis")

// Gains returns the PID gains for axis. The winch axis reports the last
// winch depth in P, NaN before any reading.
func (s *Service) Gains(axis int) (navigation.Gains, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch axis {
	case AxisThrust:
		return s.thrust, nil
	case AxisRudder:
		return s.rudder, nil
	case AxisWinch:
		if s.winchDepth == nil {
			return navigation.Gains{P: math.NaN()}, nil
		}
		return navigation.Gains{P: *s.winchDepth}, nil
	default:
		return navigation.Gains{}, fmt.Errorf("%w: %d", ErrUnknownAxis, axis)
	}
}

// SetGains updates gains for axis. On the winch axis P is a signed travel
// distance sent to the winch on s2.
func (s *Service) SetGains(axis int, g navigation.Gains) error {
	switch axis {
	case AxisThrust, AxisRudder:
		s.mu.Lock()
		if axis == AxisThrust {
			s.thrust = g
		} else {
			s.rudder = g
		}
		s.mu.Unlock()
		log.Printf("vehicle gains axis=%d p=%g i=%g d=%g", axis, g.P, g.I, g.D)
		if s.cfg.OnGains != nil {
			s.cfg.OnGains(axis, g)
		}
	case AxisWinch:
		if err := s.sendWinch(g.P); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownAxis, axis)
	}
	s.emit(Event{Kind: EventGains, Axis: axis, Gains: g})
	return nil
}

func (s *Service) sendWinch(travel float64) error {
	speed := 0.0
	switch {
	case travel > 0:
		speed = winchSpeed
	case travel < 0:
		speed = -winchSpeed
	}
	msg := bridge.Message{}
	if err := msg.Set(bridge.ServoKey(2), bridge.Servo{P: bridge.Float(math.Abs(travel)), V: bridge.Float(speed)}); err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		log.Printf("vehicle winch command failed: %v", err)
		return fmt.Errorf("vehicle: winch: %w", err)
	}
	return nil
}

func (s *Service) send(msg bridge.Message) error {
	if s.out == nil {
		return bridge.ErrConnection
	}
	return s.out.Send(msg)
}
