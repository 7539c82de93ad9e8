package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Vehicle.Type != "DIFFERENTIAL" {
		t.Fatalf("type=%q want DIFFERENTIAL", cfg.Vehicle.Type)
	}
	if cfg.Vehicle.UpdateInterval != 100*time.Millisecond || cfg.Vehicle.NavInterval != 100*time.Millisecond {
		t.Fatalf("intervals=%s/%s want 100ms", cfg.Vehicle.UpdateInterval, cfg.Vehicle.NavInterval)
	}
	if cfg.Vehicle.SafeThrust != 1 || cfg.Vehicle.SamplerKeep != 4*time.Minute {
		t.Fatalf("vehicle=%+v", cfg.Vehicle)
	}
	if *cfg.Gains.Thrust != (PID{P: 0.5}) || *cfg.Gains.Rudder != (PID{P: 0.7, D: 0.5}) {
		t.Fatalf("gains=%+v/%+v", *cfg.Gains.Thrust, *cfg.Gains.Rudder)
	}
	if cfg.Bridge.Baud != 115200 || cfg.Bridge.WatchInterval != time.Second {
		t.Fatalf("bridge=%+v", cfg.Bridge)
	}
	f := cfg.Failsafe
	if f.Enable || f.Interval != 5*time.Second || f.ProbeTimeout != time.Second || f.Timeout != 30*time.Second || f.Port != 7 {
		t.Fatalf("failsafe=%+v", f)
	}
	if cfg.UWB.MedianLength != 20 || cfg.Web.Listen != ":8080" || cfg.Telemetry.Interval != time.Second {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_ParsesSections(t *testing.T) {
	path := writeTempConfig(t, `
vehicle:
  type: vectored
  safe_thrust: 0.4
  default_pose: {lat: 40.44, lon: -79.94}
  sensors:
    1: atlas_do
    2: es2
gains:
  thrust: {p: 0.3, i: 0.01, d: 0}
navigation:
  arrival_radius: 3
  keep_durations: [0s, 30s]
bridge:
  device: /dev/ttyACM0
failsafe:
  enable: true
  host: 192.168.1.10
  port: 22
  timeout: 1m
  home: {lat: 40.4, lon: -79.9}
uwb:
  enable: true
  anchors:
    - {lat: 40.0, lon: -79.0}
    - {lat: 40.0001, lon: -79.0}
    - {lat: 40.0, lon: -79.0001}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Vehicle.Type != "VECTORED" || cfg.Vehicle.SafeThrust != 0.4 {
		t.Fatalf("vehicle=%+v", cfg.Vehicle)
	}
	if cfg.Vehicle.Sensors[1] != "atlas_do" || cfg.Vehicle.DefaultPose.Lat != 40.44 {
		t.Fatalf("vehicle=%+v", cfg.Vehicle)
	}
	if cfg.Gains.Thrust.I != 0.01 || cfg.Gains.Rudder.P != 0.7 {
		t.Fatalf("gains=%+v/%+v", *cfg.Gains.Thrust, *cfg.Gains.Rudder)
	}
	if len(cfg.Navigation.KeepDurations) != 2 || cfg.Navigation.KeepDurations[1] != 30*time.Second {
		t.Fatalf("keep=%v", cfg.Navigation.KeepDurations)
	}
	if cfg.Failsafe.Address() != "192.168.1.10:22" || cfg.Failsafe.Timeout != time.Minute {
		t.Fatalf("failsafe=%+v", cfg.Failsafe)
	}
	if len(cfg.UWB.Anchors) != 3 {
		t.Fatalf("anchors=%v", cfg.UWB.Anchors)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"VehicleType", "vehicle:\n  type: hovercraft\n", "vehicle.type must be DIFFERENTIAL or VECTORED"},
		{"SafeThrust", "vehicle:\n  safe_thrust: 1.5\n", "vehicle.safe_thrust must be in (0,1]"},
		{"DefaultPose", "vehicle:\n  default_pose: {lat: 91, lon: 0}\n", "vehicle.default_pose.lat must be in [-80,84]"},
		{"SensorType", "vehicle:\n  sensors:\n    3: ''\n", "vehicle.sensors[3] type is empty"},
		{"Navigation", "navigation:\n  lookahead: -1\n", "navigation.lookahead must be >= 0"},
		{"Keep", "navigation:\n  keep_durations: [1s, -1s]\n", "navigation.keep_durations[1] must be >= 0"},
		{"FailsafeHost", "failsafe:\n  enable: true\n", "failsafe.host is required when failsafe.enable is true"},
		{"FailsafePort", "failsafe:\n  port: 70000\n", "failsafe.port must be in [1,65535]"},
		{"FailsafeHome", "failsafe:\n  home: {lat: 0, lon: 200}\n", "failsafe.home.lon must be in [-180,180]"},
		{"UWBAnchors", "uwb:\n  enable: true\n  anchors:\n    - {lat: 1, lon: 1}\n", "uwb.anchors must list exactly 3 anchors when uwb.enable is true"},
		{"IndicatorPin", "indicator:\n  pin: -2\n", "indicator.pin must be > 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "vehicle:\n  type: VECTORED\n  mode: fast\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field mode not found in type config.VehicleConfig")
}

func TestSave_RoundTripsGains(t *testing.T) {
	path := writeTempConfig(t, "vehicle:\n  type: VECTORED\nfailsafe:\n  enable: true\n  host: 10.0.0.1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.Gains.Rudder = &PID{P: 1.1, I: 0.2, D: 0.3}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after save error: %v", err)
	}
	if *got.Gains.Rudder != (PID{P: 1.1, I: 0.2, D: 0.3}) {
		t.Fatalf("rudder=%+v", *got.Gains.Rudder)
	}
	if got.Vehicle.Type != "VECTORED" || got.Failsafe.Host != "10.0.0.1" {
		t.Fatalf("cfg=%+v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	err := Save(path, Config{Vehicle: VehicleConfig{Type: "BLIMP"}})
	requireErrEq(t, err, "vehicle.type must be DIFFERENTIAL or VECTORED")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("invalid config was written")
	}
}
