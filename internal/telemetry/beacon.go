// Package telemetry periodically broadcasts the vehicle status as a JSON
// datagram so operators on the local network can see the boat without a
// session.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"airboat/internal/crumb"
)

var nowFn = time.Now

type Config struct {
	Enable bool

	// Dest is host:port, typically a broadcast address.
	Dest     string
	Interval time.Duration
}

// maxCrumbsPerFrame keeps a frame well inside one datagram.
const maxCrumbsPerFrame = 16

// Frame is the datagram body. Crumbs carries breadcrumbs not yet delivered
// in an earlier frame.
type Frame struct {
	Seq    uint64        `json:"seq"`
	Time   time.Time     `json:"time"`
	Status any           `json:"status"`
	Crumbs []crumb.Crumb `json:"crumbs,omitempty"`
}

// Trail is the breadcrumb source a beacon drains.
type Trail interface {
	Unsent() []int
	Get(id int) (crumb.Crumb, bool)
	Acknowledge(id int)
}

type Snapshot struct {
	Enabled    bool      `json:"enabled"`
	Dest       string    `json:"dest,omitempty"`
	Sent       uint64    `json:"sent"`
	CrumbsSent uint64    `json:"crumbs_sent"`
	Errors     uint64    `json:"errors"`
	LastSentAt time.Time `json:"last_sent_utc,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

type sender interface {
	Send(payload []byte) error
	Close() error
}

var newSenderFn = func(dest string) (sender, error) { return NewBroadcaster(dest) }

type Service struct {
	cfg    Config
	status func() any

	// Trail, when set before Start, adds pending breadcrumbs to frames and
	// acknowledges them once sent.
	Trail Trail

	mu   sync.Mutex
	out  sender
	seq  uint64
	snap Snapshot

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a beacon that publishes status() every interval.
func New(cfg Config, status func() any) *Service {
	if cfg.Dest == "" {
		cfg.Dest = "255.255.255.255:5005"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Service{cfg: cfg, status: status, stopCh: make(chan struct{})}
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("telemetry: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if s.status == nil {
		return fmt.Errorf("telemetry: status source is nil")
	}
	out, err := newSenderFn(s.cfg.Dest)
	if err != nil {
		s.mu.Lock()
		s.snap.LastError = err.Error()
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.out = out
	s.snap.Enabled = true
	s.snap.Dest = s.cfg.Dest
	s.mu.Unlock()
	log.Printf("telemetry beacon dest=%s interval=%s", s.cfg.Dest, s.cfg.Interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.publish()
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

func (s *Service) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	s.seq++
	now := nowFn().UTC()
	crumbs := s.pendingCrumbs()
	payload, err := json.Marshal(Frame{Seq: s.seq, Time: now, Status: s.status(), Crumbs: crumbs})
	if err == nil {
		err = s.out.Send(payload)
	}
	if err != nil {
		if s.snap.LastError == "" {
			log.Printf("telemetry send failed: %v", err)
		}
		s.snap.Errors++
		s.snap.LastError = err.Error()
		return
	}
	for _, c := range crumbs {
		s.Trail.Acknowledge(c.ID)
	}
	s.snap.Sent++
	s.snap.CrumbsSent += uint64(len(crumbs))
	s.snap.LastSentAt = now
	s.snap.LastError = ""
}

func (s *Service) pendingCrumbs() []crumb.Crumb {
	if s.Trail == nil {
		return nil
	}
	ids := s.Trail.Unsent()
	if len(ids) > maxCrumbsPerFrame {
		ids = ids[:maxCrumbsPerFrame]
	}
	out := make([]crumb.Crumb, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.Trail.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	out := s.out
	s.out = nil
	s.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
