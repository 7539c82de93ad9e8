package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Vehicle    VehicleConfig    `yaml:"vehicle"`
	Gains      GainsConfig      `yaml:"gains"`
	Navigation NavigationConfig `yaml:"navigation"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Failsafe   FailsafeConfig   `yaml:"failsafe"`
	UWB        UWBConfig        `yaml:"uwb"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Indicator  IndicatorConfig  `yaml:"indicator"`
	Web        WebConfig        `yaml:"web"`
}

// LatLon is a WGS84 position in degrees.
type LatLon struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

func (p LatLon) validate(field string) error {
	if p.Lat < -80 || p.Lat > 84 {
		return fmt.Errorf("%s.lat must be in [-80,84]", field)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%s.lon must be in [-180,180]", field)
	}
	return nil
}

type VehicleConfig struct {
	// Type is DIFFERENTIAL or VECTORED.
	Type            string        `yaml:"type"`
	UpdateInterval  time.Duration `yaml:"update_interval"`
	NavInterval     time.Duration `yaml:"nav_interval"`
	VelocityTimeout time.Duration `yaml:"velocity_timeout"`
	SafeThrust      float64       `yaml:"safe_thrust"`
	SamplerKeep     time.Duration `yaml:"sampler_keep"`
	// DefaultPose is reported until the first fix.
	DefaultPose *LatLon `yaml:"default_pose,omitempty"`
	// Sensors maps channel to expected sensor type.
	Sensors map[int]string `yaml:"sensors,omitempty"`
}

type PID struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

type GainsConfig struct {
	Thrust *PID `yaml:"thrust,omitempty"`
	Rudder *PID `yaml:"rudder,omitempty"`
}

type NavigationConfig struct {
	ArrivalRadius float64         `yaml:"arrival_radius"`
	Lookahead     float64         `yaml:"lookahead"`
	ErrorEnvelope float64         `yaml:"error_envelope"`
	TurnInPlace   float64         `yaml:"turn_in_place"`
	KeepDurations []time.Duration `yaml:"keep_durations,omitempty"`
}

type BridgeConfig struct {
	// Device is the serial port; empty auto-detects a USB adapter.
	Device        string        `yaml:"device"`
	Baud          int           `yaml:"baud"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

type FailsafeConfig struct {
	Enable bool `yaml:"enable"`
	// Host and Port are probed with a TCP connect.
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Timeout      time.Duration `yaml:"timeout"`
	Controller   string        `yaml:"controller"`
	// Home overrides the home recorded when autonomy is first enabled.
	Home *LatLon `yaml:"home,omitempty"`
	// CrumbSpacing is the breadcrumb distance in meters.
	CrumbSpacing float64 `yaml:"crumb_spacing"`
}

func (f FailsafeConfig) Address() string {
	return fmt.Sprintf("%s:%d", f.Host, f.Port)
}

type UWBConfig struct {
	Enable       bool     `yaml:"enable"`
	Anchors      []LatLon `yaml:"anchors,omitempty"`
	MedianLength int      `yaml:"median_length"`
}

type LogConfig struct {
	// Path is the vehicle log file or directory; empty disables it.
	Path   string `yaml:"path"`
	DBPath string `yaml:"db_path"`
	// Commands logs every actuator command.
	Commands bool `yaml:"commands"`
	// BufferLines is the size of the in-memory process log.
	BufferLines int `yaml:"buffer_lines"`
}

type TelemetryConfig struct {
	Enable   bool          `yaml:"enable"`
	Dest     string        `yaml:"dest"`
	Interval time.Duration `yaml:"interval"`
}

type IndicatorConfig struct {
	Enable bool `yaml:"enable"`
	Pin    int  `yaml:"pin"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads, defaults and validates the config at path. Unknown fields are
// rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, decodeError(err)
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeError trims yaml's line prefixes from unknown field errors.
func decodeError(err error) error {
	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return err
	}
	var unknown, other []string
	for _, e := range te.Errors {
		msg := e
		if strings.HasPrefix(msg, "line ") {
			if i := strings.Index(msg, ": "); i >= 0 {
				msg = msg[i+2:]
			}
		}
		if strings.Contains(msg, "not found in type") {
			unknown = append(unknown, msg)
		} else {
			other = append(other, e)
		}
	}
	if len(unknown) > 0 && len(other) == 0 {
		return fmt.Errorf("config contains unknown fields: %s", strings.Join(unknown, "; "))
	}
	return err
}

// DefaultAndValidate fills defaults in place and rejects invalid values.
func DefaultAndValidate(cfg *Config) error {
	v := &cfg.Vehicle
	v.Type = strings.ToUpper(strings.TrimSpace(v.Type))
	if v.Type == "" {
		v.Type = "DIFFERENTIAL"
	}
	if v.Type != "DIFFERENTIAL" && v.Type != "VECTORED" {
		return fmt.Errorf("vehicle.type must be DIFFERENTIAL or VECTORED")
	}
	if v.UpdateInterval <= 0 {
		v.UpdateInterval = 100 * time.Millisecond
	}
	if v.NavInterval <= 0 {
		v.NavInterval = 100 * time.Millisecond
	}
	if v.VelocityTimeout <= 0 {
		v.VelocityTimeout = 2 * time.Second
	}
	if v.SamplerKeep <= 0 {
		v.SamplerKeep = 4 * time.Minute
	}
	if v.SafeThrust == 0 {
		v.SafeThrust = 1
	}
	if v.SafeThrust < 0 || v.SafeThrust > 1 {
		return fmt.Errorf("vehicle.safe_thrust must be in (0,1]")
	}
	if v.DefaultPose != nil {
		if err := v.DefaultPose.validate("vehicle.default_pose"); err != nil {
			return err
		}
	}
	for ch, typ := range v.Sensors {
		if ch < 0 {
			return fmt.Errorf("vehicle.sensors channel must be >= 0 (got %d)", ch)
		}
		if strings.TrimSpace(typ) == "" {
			return fmt.Errorf("vehicle.sensors[%d] type is empty", ch)
		}
	}

	if cfg.Gains.Thrust == nil {
		cfg.Gains.Thrust = &PID{P: 0.5}
	}
	if cfg.Gains.Rudder == nil {
		cfg.Gains.Rudder = &PID{P: 0.7, D: 0.5}
	}

	n := &cfg.Navigation
	for _, f := range []struct {
		name string
		val  float64
	}{
		{"arrival_radius", n.ArrivalRadius},
		{"lookahead", n.Lookahead},
		{"error_envelope", n.ErrorEnvelope},
		{"turn_in_place", n.TurnInPlace},
	} {
		if f.val < 0 {
			return fmt.Errorf("navigation.%s must be >= 0", f.name)
		}
	}
	for i, d := range n.KeepDurations {
		if d < 0 {
			return fmt.Errorf("navigation.keep_durations[%d] must be >= 0", i)
		}
	}

	if cfg.Bridge.Baud == 0 {
		cfg.Bridge.Baud = 115200
	}
	if cfg.Bridge.Baud < 0 {
		return fmt.Errorf("bridge.baud must be > 0")
	}
	if cfg.Bridge.WatchInterval <= 0 {
		cfg.Bridge.WatchInterval = time.Second
	}

	f := &cfg.Failsafe
	if f.Port == 0 {
		f.Port = 7
	}
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("failsafe.port must be in [1,65535]")
	}
	if f.Interval <= 0 {
		f.Interval = 5 * time.Second
	}
	if f.ProbeTimeout <= 0 {
		f.ProbeTimeout = time.Second
	}
	if f.Timeout <= 0 {
		f.Timeout = 30 * time.Second
	}
	if f.Controller == "" {
		f.Controller = "POINT_AND_SHOOT"
	}
	if f.CrumbSpacing <= 0 {
		f.CrumbSpacing = 10
	}
	if f.Enable && strings.TrimSpace(f.Host) == "" {
		return fmt.Errorf("failsafe.host is required when failsafe.enable is true")
	}
	if f.Home != nil {
		if err := f.Home.validate("failsafe.home"); err != nil {
			return err
		}
	}

	u := &cfg.UWB
	if u.MedianLength <= 0 {
		u.MedianLength = 20
	}
	if u.Enable && len(u.Anchors) != 3 {
		return fmt.Errorf("uwb.anchors must list exactly 3 anchors when uwb.enable is true")
	}
	for i, a := range u.Anchors {
		if err := a.validate(fmt.Sprintf("uwb.anchors[%d]", i)); err != nil {
			return err
		}
	}

	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = 2000
	}

	if cfg.Telemetry.Dest == "" {
		cfg.Telemetry.Dest = "255.255.255.255:5005"
	}
	if cfg.Telemetry.Interval <= 0 {
		cfg.Telemetry.Interval = time.Second
	}

	if cfg.Indicator.Pin == 0 {
		cfg.Indicator.Pin = 17
	}
	if cfg.Indicator.Pin < 0 {
		return fmt.Errorf("indicator.pin must be > 0")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	return nil
}

// Save validates cfg and writes it to path atomically.
func Save(path string, cfg Config) error {
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	// Write to a temp file in the same directory so os.Rename is atomic.
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
