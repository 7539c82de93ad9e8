package vlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"airboat/internal/geo"
	"airboat/internal/vehicle"
)

type Config struct {
	// Path is the log file, or a directory to create a timestamped log in.
	Path string
	// DBPath enables the SQLite store when set.
	DBPath string
	// LogCommands adds every actuator command to the log at level D.
	LogCommands bool
	// Queue bounds the number of pending entries; further entries are dropped.
	Queue int
}

type Snapshot struct {
	Path      string    `json:"path,omitempty"`
	SessionID int64     `json:"session_id,omitempty"`
	Written   uint64    `json:"written"`
	Dropped   uint64    `json:"dropped"`
	LastAt    time.Time `json:"last_utc,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type record struct {
	at      time.Time
	level   Level
	kind    string
	body    json.RawMessage
	reading *vehicle.SensorReading
	pose    *geo.Pose
}

// Recorder turns vehicle events into log entries and store rows. Events are
// queued and written from a single goroutine so the control loop never blocks
// on disk.
type Recorder struct {
	cfg   Config
	w     *Writer
	store *Store
	poseF func() geo.Pose

	queue chan record

	mu        sync.Mutex
	sessionID int64
	lastAt    time.Time
	lastErr   string

	written atomic.Uint64
	dropped atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRecorder opens the log and store. pose, when set, tags sensor readings
// in the store with the vehicle position.
func NewRecorder(cfg Config, vehicleType string, pose func() geo.Pose) (*Recorder, error) {
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	r := &Recorder{cfg: cfg, poseF: pose, queue: make(chan record, cfg.Queue), stopCh: make(chan struct{})}
	if cfg.Path != "" {
		w, err := Create(cfg.Path)
		if err != nil {
			return nil, err
		}
		r.w = w
	}
	if cfg.DBPath != "" {
		r.store = NewStore(cfg.DBPath)
		logPath := ""
		if r.w != nil {
			logPath = r.w.Path()
		}
		id, err := r.store.CreateSession(context.Background(), nowFn(), vehicleType, logPath)
		if err != nil {
			_ = r.store.Close()
			if r.w != nil {
				_ = r.w.Close()
			}
			return nil, err
		}
		r.sessionID = id
	}
	return r, nil
}

func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("vlog: recorder is nil")
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case rec := <-r.queue:
				r.write(ctx, rec)
			case <-t.C:
				if r.w != nil {
					_ = r.w.Flush()
				}
			case <-ctx.Done():
				r.drain()
				return
			case <-r.stopCh:
				r.drain()
				return
			}
		}
	}()
	return nil
}

func (r *Recorder) drain() {
	for {
		select {
		case rec := <-r.queue:
			r.write(context.Background(), rec)
		default:
			return
		}
	}
}

// Log queues an arbitrary entry, e.g. {"failsafe": "..."}.
func (r *Recorder) Log(level Level, kind string, v any) {
	body, err := json.Marshal(map[string]any{kind: v})
	if err != nil {
		log.Printf("vlog marshal %s: %v", kind, err)
		return
	}
	r.enqueue(record{at: nowFn(), level: level, kind: kind, body: body})
}

// OnEvent is a vehicle.Service subscriber.
func (r *Recorder) OnEvent(ev vehicle.Event) {
	rec, ok := r.entryFor(ev)
	if !ok {
		return
	}
	r.enqueue(rec)
}

func (r *Recorder) entryFor(ev vehicle.Event) (record, bool) {
	rec := record{at: ev.At, level: Info, kind: string(ev.Kind)}
	var v any
	switch ev.Kind {
	case vehicle.EventStatus:
		v = map[string]any{"status": ev.Status, "index": ev.Index}
	case vehicle.EventMission:
		wps := make([]map[string]any, len(ev.Waypoints))
		for i, wp := range ev.Waypoints {
			wps[i] = map[string]any{"p": []float64{wp.Pose.Easting, wp.Pose.Northing}, "zone": wp.Pose.Origin.String(), "keep_ms": wp.Keep.Milliseconds()}
		}
		v = map[string]any{"controller": ev.Controller, "waypoints": wps}
	case vehicle.EventSensor:
		reading := ev.Reading
		rec.reading = &reading
		if r.poseF != nil {
			p := r.poseF()
			rec.pose = &p
		}
		v = map[string]any{"channel": reading.Channel, "type": reading.Type, "data": reading.Data}
	case vehicle.EventCommand:
		if !r.cfg.LogCommands {
			return record{}, false
		}
		rec.level = Debug
		v = ev.Command
	case vehicle.EventGains:
		rec.kind = "gain"
		v = map[string]any{"axis": ev.Axis, "values": []float64{ev.Gains.P, ev.Gains.I, ev.Gains.D}}
	case vehicle.EventSampler:
		v = true
	case vehicle.EventHome:
		v = map[string]any{"p": []float64{ev.Pose.Easting, ev.Pose.Northing}, "zone": ev.Pose.Origin.String()}
	case vehicle.EventRaw:
		// Passed through unchanged.
		rec.kind = "raw"
		rec.body = ev.Raw
		return rec, true
	default:
		return record{}, false
	}
	body, err := json.Marshal(map[string]any{rec.kind: v})
	if err != nil {
		log.Printf("vlog marshal %s: %v", rec.kind, err)
		return record{}, false
	}
	rec.body = body
	return rec, true
}

func (r *Recorder) enqueue(rec record) {
	select {
	case <-r.stopCh:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			log.Printf("vlog queue full; dropping entries")
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec record) {
	var err error
	if r.w != nil {
		err = r.w.Log(rec.at, rec.level, rec.body)
	}
	if r.store != nil {
		if sErr := r.store.StoreEvent(ctx, r.sessionID, rec.at, rec.kind, rec.level, rec.body); sErr != nil && err == nil {
			err = sErr
		}
		if rec.reading != nil {
			if sErr := r.store.StoreReading(ctx, r.sessionID, *rec.reading, rec.pose); sErr != nil && err == nil {
				err = sErr
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.lastErr == "" {
			log.Printf("vlog write failed: %v", err)
		}
		r.lastErr = err.Error()
		return
	}
	r.lastErr = ""
	r.lastAt = rec.at
	r.written.Add(1)
}

func (r *Recorder) Store() *Store {
	return r.store
}

func (r *Recorder) SessionID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Close flushes pending entries and closes the log and store.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		r.drain()
		if r.w != nil {
			err = r.w.Close()
		}
		if r.store != nil {
			if sErr := r.store.Close(); err == nil {
				err = sErr
			}
		}
	})
	return err
}

func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		SessionID: r.sessionID,
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		LastAt:    r.lastAt,
		LastError: r.lastErr,
	}
	if r.w != nil {
		out.Path = r.w.Path()
	}
	return out
}
