package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"airboat/internal/bridge"
	"airboat/internal/config"
	"airboat/internal/crumb"
	"airboat/internal/estimator"
	"airboat/internal/failsafe"
	"airboat/internal/geo"
	"airboat/internal/indicator"
	"airboat/internal/navigation"
	"airboat/internal/telemetry"
	"airboat/internal/uwb"
	"airboat/internal/vehicle"
	"airboat/internal/vlog"
	"airboat/internal/web"
)

// runtime owns every long-lived component of the process.
type runtime struct {
	configPath string
	status     *web.Status

	cfgMu sync.Mutex
	cfg   config.Config

	bridge    *bridge.Bridge
	watcher   *bridge.Watcher
	est       *estimator.Estimator
	crumbs    *crumb.Arena
	uwb       *uwb.Locator
	vehicle   *vehicle.Service
	failsafe  *failsafe.Supervisor
	indicator *indicator.Service
	recorder  *vlog.Recorder
	telemetry *telemetry.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func toPose(p config.LatLon) (geo.Pose, error) {
	return geo.LatLonToUTM(p.Lat, p.Lon)
}

func vehicleConfig(c config.Config) vehicle.Config {
	sensors := make(map[int]string, len(c.Vehicle.Sensors))
	for ch, typ := range c.Vehicle.Sensors {
		sensors[ch] = typ
	}
	return vehicle.Config{
		Type:            navigation.VehicleType(c.Vehicle.Type),
		UpdateInterval:  c.Vehicle.UpdateInterval,
		NavInterval:     c.Vehicle.NavInterval,
		VelocityTimeout: c.Vehicle.VelocityTimeout,
		SafeThrust:      c.Vehicle.SafeThrust,
		Thrust:          navigation.Gains{P: c.Gains.Thrust.P, I: c.Gains.Thrust.I, D: c.Gains.Thrust.D},
		Rudder:          navigation.Gains{P: c.Gains.Rudder.P, I: c.Gains.Rudder.I, D: c.Gains.Rudder.D},
		Navigation: navigation.Config{
			ArrivalRadius: c.Navigation.ArrivalRadius,
			Lookahead:     c.Navigation.Lookahead,
			ErrorEnvelope: c.Navigation.ErrorEnvelope,
			TurnInPlace:   c.Navigation.TurnInPlace,
		},
		KeepDurations:   append([]time.Duration(nil), c.Navigation.KeepDurations...),
		SamplerKeep:     c.Vehicle.SamplerKeep,
		ExpectedSensors: sensors,
	}
}

func newRuntime(cfg config.Config, configPath string, status *web.Status) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("status is nil")
	}

	r := &runtime{configPath: configPath, status: status, cfg: c}

	var estCfg estimator.Config
	if c.Vehicle.DefaultPose != nil {
		p, err := toPose(*c.Vehicle.DefaultPose)
		if err != nil {
			return nil, fmt.Errorf("vehicle.default_pose: %w", err)
		}
		estCfg.DefaultPose = p
	}
	r.est = estimator.New(estCfg)
	r.crumbs = crumb.NewArena(c.Failsafe.CrumbSpacing)

	if c.UWB.Enable {
		var anchors [3]geo.Pose
		for i, a := range c.UWB.Anchors {
			p, err := toPose(a)
			if err != nil {
				return nil, fmt.Errorf("uwb.anchors[%d]: %w", i, err)
			}
			anchors[i] = p
		}
		loc, err := uwb.New(uwb.Config{Anchors: anchors, MedianLength: c.UWB.MedianLength})
		if err != nil {
			return nil, err
		}
		r.uwb = loc
	}

	r.bridge = bridge.New(bridge.Config{Device: c.Bridge.Device, Baud: c.Bridge.Baud})
	r.watcher = bridge.NewWatcher(r.bridge, c.Bridge.Device, c.Bridge.WatchInterval)
	r.watcher.OnAttach = func(device string) {
		log.Printf("vehicle hardware attached device=%s", device)
	}

	vc := vehicleConfig(c)
	vc.OnGains = r.persistGains
	r.vehicle = vehicle.New(vc, vehicle.Deps{
		Estimator: r.est,
		Bridge:    r.bridge,
		Crumbs:    r.crumbs,
		UWB:       r.uwb,
	})

	r.indicator = indicator.New(indicator.Config{Enable: c.Indicator.Enable, Pin: c.Indicator.Pin})

	if c.Log.Path != "" || c.Log.DBPath != "" {
		rec, err := vlog.NewRecorder(vlog.Config{
			Path:        c.Log.Path,
			DBPath:      c.Log.DBPath,
			LogCommands: c.Log.Commands,
		}, c.Vehicle.Type, r.vehicle.Pose)
		if err != nil {
			return nil, err
		}
		r.recorder = rec
		r.vehicle.Subscribe(rec.OnEvent)
	}

	fsCfg := failsafe.Config{
		Enable:       c.Failsafe.Enable,
		Interval:     c.Failsafe.Interval,
		ProbeTimeout: c.Failsafe.ProbeTimeout,
		Timeout:      c.Failsafe.Timeout,
		Controller:   c.Failsafe.Controller,
	}
	if c.Failsafe.Home != nil {
		p, err := toPose(*c.Failsafe.Home)
		if err != nil {
			r.closeRecorder()
			return nil, fmt.Errorf("failsafe.home: %w", err)
		}
		fsCfg.Home = &p
	}
	r.failsafe = failsafe.New(fsCfg, failsafe.Deps{
		Vehicle: r.vehicle,
		Prober:  failsafe.DialProber{Addr: c.Failsafe.Address()},
		Crumbs:  r.crumbs,
		OnState: r.onFailsafeState,
	})

	r.telemetry = telemetry.New(telemetry.Config{
		Enable:   c.Telemetry.Enable,
		Dest:     c.Telemetry.Dest,
		Interval: c.Telemetry.Interval,
	}, func() any { return r.vehicle.Snapshot() })
	r.telemetry.Trail = r.crumbs

	status.Register("vehicle", func() any { return r.vehicle.Snapshot() })
	status.Register("bridge", func() any { return r.bridge.Snapshot() })
	status.Register("failsafe", func() any { return r.failsafe.Snapshot() })
	status.Register("indicator", func() any { return r.indicator.Snapshot() })
	status.Register("telemetry", func() any { return r.telemetry.Snapshot() })
	if r.recorder != nil {
		status.Register("log", func() any { return r.recorder.Snapshot() })
	}
	return r, nil
}

// Start brings up every task. Optional hardware that fails to start is
// logged and left disabled.
func (r *runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.recorder != nil {
		if err := r.recorder.Start(ctx); err != nil {
			cancel()
			return err
		}
	}
	if err := r.vehicle.Start(ctx); err != nil {
		cancel()
		return err
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.bridge.Run(ctx, r.vehicle.OnCommand); err != nil && ctx.Err() == nil {
			log.Printf("bridge reader stopped: %v", err)
		}
	}()
	go func() {
		defer r.wg.Done()
		r.watcher.Run(ctx)
	}()

	if err := r.indicator.Start(ctx); err != nil {
		log.Printf("indicator init failed: %v", err)
	}
	if err := r.failsafe.Start(ctx); err != nil {
		log.Printf("failsafe init failed: %v", err)
	}
	if err := r.telemetry.Start(ctx); err != nil {
		log.Printf("telemetry init failed: %v", err)
	}
	return nil
}

func (r *runtime) onFailsafeState(st failsafe.State) {
	r.indicator.SetState(st)
	if r.recorder == nil {
		return
	}
	level := vlog.Warn
	if st == failsafe.Connected {
		level = vlog.Info
	}
	r.recorder.Log(level, "failsafe", st)
}

// persistGains writes changed gains back to the config file.
func (r *runtime) persistGains(axis int, g navigation.Gains) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	pid := &config.PID{P: g.P, I: g.I, D: g.D}
	switch axis {
	case vehicle.AxisThrust:
		r.cfg.Gains.Thrust = pid
	case vehicle.AxisRudder:
		r.cfg.Gains.Rudder = pid
	default:
		return
	}
	if r.configPath == "" {
		return
	}
	if err := config.Save(r.configPath, r.cfg); err != nil {
		log.Printf("gains save failed axis=%d: %v", axis, err)
		return
	}
	log.Printf("gains saved axis=%d path=%s", axis, r.configPath)
}

func (r *runtime) Config() config.Config {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	return r.cfg
}

func (r *runtime) closeRecorder() {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Close(); err != nil {
		log.Printf("vehicle log close: %v", err)
	}
}

// Close stops tasks in reverse dependency order.
func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.failsafe.Shutdown()
	r.telemetry.Close()
	r.vehicle.Close()
	r.bridge.Close()
	r.wg.Wait()
	r.indicator.Close()
	r.closeRecorder()
}
