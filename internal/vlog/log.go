// Package vlog records vehicle activity for later analysis.
//
// Log format: line-oriented text, one entry per line:
//
//	<elapsed_ms>\t<level>\t<json>
//
// elapsed_ms counts from log creation and level is one of D I W E F. The
// first entry of every log is an I entry carrying the wall clock start
// {"date": RFC3339, "time": unix_ms}.
package vlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var nowFn = time.Now

type Level string

const (
	Debug Level = "D"
	Info  Level = "I"
	Warn  Level = "W"
	Error Level = "E"
	Fatal Level = "F"
)

func (l Level) valid() bool {
	switch l {
	case Debug, Info, Warn, Error, Fatal:
		return true
	}
	return false
}

type Entry struct {
	Elapsed time.Duration
	Level   Level
	Body    json.RawMessage
}

// DefaultFilename names a log by its creation time.
func DefaultFilename(t time.Time) string {
	return "airboat_" + t.Format("20060102_150405") + ".txt"
}

type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

// Create opens a new log at path, creating parent directories. When path is
// a directory the file is named with DefaultFilename.
func Create(path string) (*Writer, error) {
	start := nowFn()
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, DefaultFilename(start))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("vlog: create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("vlog: create: %w", err)
	}
	ww := &Writer{f: f, w: bufio.NewWriterSize(f, 64*1024), start: start}
	hdr := map[string]any{"date": start.UTC().Format(time.RFC3339), "time": start.UnixMilli()}
	if err := ww.Log(start, Info, hdr); err != nil {
		_ = f.Close()
		return nil, err
	}
	return ww, nil
}

func (ww *Writer) Path() string {
	return ww.f.Name()
}

// Log appends one entry. v is marshalled unless it is already raw JSON.
func (ww *Writer) Log(now time.Time, level Level, v any) error {
	if !level.valid() {
		return fmt.Errorf("vlog: invalid level %q", level)
	}
	var body []byte
	switch b := v.(type) {
	case json.RawMessage:
		body = b
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			return fmt.Errorf("vlog: marshal entry: %w", err)
		}
	}

	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("vlog: writer is closed")
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	if _, err := fmt.Fprintf(ww.w, "%d\t%s\t%s\n", d.Milliseconds(), level, body); err != nil {
		return err
	}
	return nil
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Entry, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []Entry
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("vlog: line %d: want 3 tab-separated fields", n)
		}
		ms, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("vlog: line %d: invalid elapsed %q", n, parts[0])
		}
		level := Level(parts[1])
		if !level.valid() {
			return nil, fmt.Errorf("vlog: line %d: invalid level %q", n, parts[1])
		}
		body := json.RawMessage(parts[2])
		if !json.Valid(body) {
			return nil, fmt.Errorf("vlog: line %d: invalid json", n)
		}
		out = append(out, Entry{Elapsed: time.Duration(ms) * time.Millisecond, Level: level, Body: body})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Kind is the top-level key of an entry body, e.g. "sensor" or "gain".
func (e Entry) Kind() string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Body, &m); err != nil || len(m) != 1 {
		if _, ok := m["date"]; ok {
			return "start"
		}
		return ""
	}
	for k := range m {
		return k
	}
	return ""
}
