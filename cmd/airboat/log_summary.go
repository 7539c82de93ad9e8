package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"airboat/internal/vlog"
)

type logSummary struct {
	Sessions    int
	Entries     int
	Untyped     int
	MaxDuration time.Duration
	LevelCounts map[vlog.Level]int
	KindCounts  map[string]int
}

func summarizeVehicleLog(entries []vlog.Entry) logSummary {
	s := logSummary{LevelCounts: map[vlog.Level]int{}, KindCounts: map[string]int{}}
	hasEntries := false
	for _, e := range entries {
		kind := e.Kind()
		if kind == "start" {
			s.Sessions++
			continue
		}
		hasEntries = true
		s.Entries++
		s.LevelCounts[e.Level]++
		if e.Elapsed > s.MaxDuration {
			s.MaxDuration = e.Elapsed
		}
		if kind == "" {
			s.Untyped++
			continue
		}
		s.KindCounts[kind]++
	}
	if s.Sessions == 0 && hasEntries {
		s.Sessions = 1
	}
	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	entries, err := vlog.NewReader(f).ReadAll()
	if err != nil {
		return err
	}
	s := summarizeVehicleLog(entries)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "size: %s\n", humanize.Bytes(uint64(st.Size())))
	fmt.Fprintf(w, "sessions: %d\n", s.Sessions)
	fmt.Fprintf(w, "entries: %s\n", humanize.Comma(int64(s.Entries)))
	fmt.Fprintf(w, "untyped_entries: %d\n", s.Untyped)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	fmt.Fprintf(w, "levels:\n")
	for _, l := range []vlog.Level{vlog.Debug, vlog.Info, vlog.Warn, vlog.Error, vlog.Fatal} {
		if n := s.LevelCounts[l]; n > 0 {
			fmt.Fprintf(w, "  %s: %s\n", l, humanize.Comma(int64(n)))
		}
	}

	kinds := make([]string, 0, len(s.KindCounts))
	for k := range s.KindCounts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "kinds:\n")
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s: %s\n", k, humanize.Comma(int64(s.KindCounts[k])))
	}
	return nil
}
