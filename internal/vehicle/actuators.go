package vehicle

import (
	"fmt"

	"airboat/internal/bridge"
	"airboat/internal/navigation"
)

// Actuate maps a velocity command onto the actuator channels of vehicle
// type t. safe caps motor output.
//
//	DIFFERENTIAL: m0 = surge-yaw, m1 = surge+yaw, each clipped then scaled.
//	VECTORED:     m0 = clipped surge scaled, s0 = -clipped yaw (rudder is
//	              mounted reversed).
func Actuate(t navigation.VehicleType, v navigation.Velocity, safe float64) (bridge.Message, error) {
	msg := bridge.Message{}
	switch t {
	case navigation.Differential:
		left := navigation.Clamp(v.Surge-v.Yaw) * safe
		right := navigation.Clamp(v.Surge+v.Yaw) * safe
		if err := msg.Set(bridge.MotorKey(0), bridge.Motor{V: left}); err != nil {
			return nil, err
		}
		if err := msg.Set(bridge.MotorKey(1), bridge.Motor{V: right}); err != nil {
			return nil, err
		}
	case navigation.Vectored:
		thrust := navigation.Clamp(v.Surge) * safe
		rudder := -navigation.Clamp(v.Yaw)
		if err := msg.Set(bridge.MotorKey(0), bridge.Motor{V: thrust}); err != nil {
			return nil, err
		}
		if err := msg.Set(bridge.ServoKey(0), bridge.Servo{P: bridge.Float(rudder)}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("vehicle: unsupported vehicle type %q", t)
	}
	return msg, nil
}
