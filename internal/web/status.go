package web

import (
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// Status collects component snapshots for /api/status. Each source is called
// on every request and must be safe for concurrent use.
type Status struct {
	start time.Time

	mu      sync.RWMutex
	names   []string
	sources map[string]func() any
}

func NewStatus() *Status {
	return &Status{start: time.Now().UTC(), sources: map[string]func() any{}}
}

// Register adds or replaces the snapshot source for a component.
func (s *Status) Register(name string, fn func() any) {
	if s == nil || name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[name]; !ok {
		s.names = append(s.names, name)
		sort.Strings(s.names)
	}
	s.sources[name] = fn
}

type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

type StatusSnapshot struct {
	Service    string         `json:"service"`
	NowUTC     string         `json:"now_utc"`
	UptimeSec  int64          `json:"uptime_sec"`
	Build      BuildInfo      `json:"build"`
	Components map[string]any `json:"components"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:    "airboat",
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(s.start).Seconds()),
		Build:      readBuildInfo(),
		Components: map[string]any{},
	}

	s.mu.RLock()
	names := append([]string(nil), s.names...)
	fns := make([]func() any, len(names))
	for i, n := range names {
		fns[i] = s.sources[n]
	}
	s.mu.RUnlock()

	for i, n := range names {
		snap.Components[n] = fns[i]()
	}
	return snap
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.Version = bi.Main.Version
	for _, kv := range bi.Settings {
		switch kv.Key {
		case "vcs.revision":
			out.Commit = kv.Value
		case "vcs.modified":
			out.Dirty = kv.Value == "true"
		}
	}
	return out
}
