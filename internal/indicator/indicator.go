// Package indicator drives a single GPIO beacon that shows the failsafe
// state: steady while connected, slow blink on the way to the last connected
// pose, fast blink on the way home.
package indicator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"airboat/internal/failsafe"
)

var nowFn = time.Now

// lineDriver is a digital output line.
type lineDriver interface {
	SetValue(v int) error
	Close() error
}

type Mode string

const (
	ModeOff   Mode = "off"
	ModeSolid Mode = "solid"
	ModeSlow  Mode = "slow"
	ModeFast  Mode = "fast"
)

// ModeFor maps a failsafe state to its beacon pattern.
func ModeFor(st failsafe.State) Mode {
	switch st {
	case failsafe.Connected:
		return ModeSolid
	case failsafe.FailsafeToLastLocation:
		return ModeSlow
	case failsafe.FailsafeToHomeLocation:
		return ModeFast
	default:
		return ModeOff
	}
}

type Config struct {
	Enable bool

	// Pin is BCM GPIO numbering.
	Pin int
	// SlowPeriod and FastPeriod are full on/off cycle lengths.
	SlowPeriod time.Duration
	FastPeriod time.Duration
}

type Snapshot struct {
	Enabled   bool `json:"enabled"`
	Available bool `json:"available"`
	Mode      Mode `json:"mode"`
	Level     int  `json:"level"`

	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config

	mu      sync.Mutex
	mode    Mode
	since   time.Time
	level   int
	drv     lineDriver
	written bool
	lastAt  time.Time
	lastErr string

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Service {
	if cfg.Pin == 0 {
		cfg.Pin = 17
	}
	if cfg.SlowPeriod <= 0 {
		cfg.SlowPeriod = 2 * time.Second
	}
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 400 * time.Millisecond
	}
	return &Service{cfg: cfg, mode: ModeSolid, since: nowFn(), stopCh: make(chan struct{})}
}

// Start opens the line and runs the blink loop in the background.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("indicator: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	drv, err := openLineFn(s.cfg.Pin)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.drv = drv
	s.mu.Unlock()
	log.Printf("indicator enabled pin=%d", s.cfg.Pin)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.FastPeriod / 4)
		defer t.Stop()
		s.step(nowFn())
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.step(nowFn())
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

// Set changes the pattern. The new pattern starts with the line high.
func (s *Service) Set(m Mode) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.mode != m {
		s.mode = m
		s.since = nowFn()
	}
	s.mu.Unlock()
	s.step(nowFn())
}

// SetState is a failsafe state hook.
func (s *Service) SetState(st failsafe.State) {
	s.Set(ModeFor(st))
}

func (s *Service) levelLocked(now time.Time) int {
	var period time.Duration
	switch s.mode {
	case ModeSolid:
		return 1
	case ModeSlow:
		period = s.cfg.SlowPeriod
	case ModeFast:
		period = s.cfg.FastPeriod
	default:
		return 0
	}
	half := period / 2
	if half <= 0 {
		return 1
	}
	elapsed := now.Sub(s.since)
	if elapsed < 0 {
		elapsed = 0
	}
	if (elapsed/half)%2 == 0 {
		return 1
	}
	return 0
}

// step writes the line when the level for now differs from the last write.
func (s *Service) step(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lvl := s.levelLocked(now)
	if s.drv == nil || (s.written && lvl == s.level) {
		s.level = lvl
		return
	}
	if err := s.drv.SetValue(lvl); err != nil {
		s.lastErr = fmt.Sprintf("indicator: set line failed: %v", err)
		return
	}
	s.level = lvl
	s.written = true
	s.lastAt = now.UTC()
	s.lastErr = ""
}

// Close stops the loop and releases the line, leaving it low.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	drv := s.drv
	s.drv = nil
	s.mu.Unlock()
	if drv != nil {
		_ = drv.Close()
	}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:      s.cfg.Enable,
		Available:    s.drv != nil,
		Mode:         s.mode,
		Level:        s.level,
		LastUpdateAt: s.lastAt,
		LastError:    s.lastErr,
	}
}
