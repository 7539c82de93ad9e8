package vehicle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"airboat/internal/bridge"
	"airboat/internal/estimator"
	"airboat/internal/geo"
)

// SensorReading is one decoded report from a sensor channel.
type SensorReading struct {
	Channel int       `json:"channel"`
	Type    string    `json:"type"`
	Data    []float64 `json:"data"`
	At      time.Time `json:"time"`
}

// Reading types.
const (
	ReadingES2      = "ES2"
	ReadingAtlasDO  = "ATLAS_DO"
	ReadingAtlasPH  = "ATLAS_PH"
	ReadingHDSDepth = "HDS_DEPTH"
	ReadingHDSTemp  = "HDS_TEMP"
	ReadingBattery  = "BATTERY"
	ReadingWinch    = "WINCH"
	ReadingUWB      = "UWB"
	ReadingCompass  = "COMPASS"
	ReadingGyro     = "GYRO"
)

// errSkip marks frames that are valid but carry nothing to record.
var errSkip = errors.New("vehicle: skip")

// OnCommand handles one inbound frame from the board. Sensor reports update
// the cached readings, GPS reports feed the estimator. Bad sub-messages are
// logged and dropped.
func (s *Service) OnCommand(msg bridge.Message) {
	now := nowFn()
	keys := make([]string, 0, len(msg))
	for k := range msg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		prefix, ch, ok := bridge.ParseKey(key)
		if !ok {
			log.Printf("vehicle ignoring frame key=%q", key)
			continue
		}
		switch prefix {
		case 'm':
			// Motor acknowledgements carry nothing we use.
		case 's':
			s.onSensor(ch, msg[key], now)
		case 'g':
			s.onGPS(msg[key], now)
		default:
			log.Printf("vehicle ignoring frame key=%q", key)
		}
	}
}

func (s *Service) onSensor(ch int, raw json.RawMessage, now time.Time) {
	var sen bridge.Sensor
	if err := json.Unmarshal(raw, &sen); err != nil {
		log.Printf("vehicle malformed sensor frame channel=%d: %v", ch, err)
		return
	}
	if sen.Type == "" {
		return
	}
	s.checkExpected(ch, sen.Type)

	if strings.EqualFold(sen.Type, "bluebox") {
		s.emit(Event{Kind: EventRaw, At: now, Raw: raw})
		return
	}

	r, err := parseSensor(ch, sen, now)
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		log.Printf("vehicle dropped sensor reading channel=%d type=%s: %v", ch, sen.Type, err)
		return
	}

	switch r.Type {
	case ReadingCompass:
		s.est.CompassUpdate(r.Data[0], now)
	case ReadingGyro:
		s.est.GyroUpdate(r.Data[0], now)
	case ReadingUWB:
		if s.uwb == nil {
			break
		}
		pose, err := s.uwb.Update(r.Data)
		if err != nil {
			log.Printf("vehicle uwb fix failed: %v", err)
			break
		}
		s.est.Update(estimator.SourceUWB, pose, now)
	}

	s.mu.Lock()
	if r.Type == ReadingWinch {
		d := r.Data[0]
		s.winchDepth = &d
	}
	s.sensors[ch] = r
	s.mu.Unlock()

	s.emit(Event{Kind: EventSensor, At: now, Reading: r})
}

// checkExpected warns once per channel when a sensor reports a type other
// than the configured one. Battery reports may arrive on any channel.
func (s *Service) checkExpected(ch int, typ string) {
	want, ok := s.cfg.ExpectedSensors[ch]
	if !ok || strings.EqualFold(want, typ) || strings.EqualFold(typ, "battery") {
		return
	}
	s.mu.Lock()
	warned := s.warnedTypes[ch]
	s.warnedTypes[ch] = true
	s.mu.Unlock()
	if !warned {
		log.Printf("vehicle sensor type mismatch channel=%d expected=%s received=%s", ch, want, typ)
	}
}

func parseSensor(ch int, sen bridge.Sensor, at time.Time) (SensorReading, error) {
	r := SensorReading{Channel: ch, At: at}
	var err error
	switch strings.ToLower(sen.Type) {
	case "es2":
		r.Type = ReadingES2
		r.Data, err = dataFields(sen.Data, 2)
	case "atlas_do":
		r.Type = ReadingAtlasDO
		r.Data, err = dataNumber(sen.Data)
	case "atlas_ph":
		r.Type = ReadingAtlasPH
		r.Data, err = dataNumber(sen.Data)
	case "hds":
		return parseHDS(r, sen.Data)
	case "battery":
		r.Type = ReadingBattery
		r.Data, err = dataFields(sen.Data, 3)
	case "winch":
		r.Type = ReadingWinch
		if sen.Depth == nil {
			return r, fmt.Errorf("winch report without depth")
		}
		r.Data = []float64{*sen.Depth}
	case "uwb":
		r.Type = ReadingUWB
		r.Data, err = dataFields(sen.Data, 3)
	case "compass":
		r.Type = ReadingCompass
		r.Data, err = dataNumber(sen.Data)
	case "gyro":
		r.Type = ReadingGyro
		r.Data, err = dataNumber(sen.Data)
	default:
		return r, fmt.Errorf("unknown sensor type")
	}
	return r, err
}

// parseHDS decodes an echosounder sentence: DBT depth in meters, MTW water
// temperature. RMC position is skipped.
func parseHDS(r SensorReading, raw json.RawMessage) (SensorReading, error) {
	line, err := dataString(raw)
	if err != nil {
		return r, err
	}
	sent, err := parseNMEA(line)
	if err != nil {
		return r, err
	}
	var v float64
	switch sent.Type {
	case "DBT":
		r.Type = ReadingHDSDepth
		v, err = sent.float(3)
	case "MTW":
		r.Type = ReadingHDSTemp
		v, err = sent.float(1)
	case "RMC":
		return r, errSkip
	default:
		return r, fmt.Errorf("unknown nmea sentence %q", sent.Fields[0])
	}
	if err != nil {
		return r, err
	}
	r.Data = []float64{v}
	return r, nil
}

func dataString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("data is not a string: %w", err)
	}
	return s, nil
}

// dataNumber accepts a JSON number or a numeric string.
func dataNumber(raw json.RawMessage) ([]float64, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return []float64{v}, nil
	}
	str, err := dataString(raw)
	if err != nil {
		return nil, err
	}
	v, err = strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	return []float64{v}, nil
}

// dataFields parses a space separated string of at least n numbers and
// returns the first n.
func dataFields(raw json.RawMessage, n int) ([]float64, error) {
	str, err := dataString(raw)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(str)
	if len(parts) < n {
		return nil, fmt.Errorf("data has %d fields, want %d", len(parts), n)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return nil, fmt.Errorf("data field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (s *Service) onGPS(raw json.RawMessage, now time.Time) {
	var g bridge.GPS
	if err := json.Unmarshal(raw, &g); err != nil {
		log.Printf("vehicle malformed gps frame: %v", err)
		return
	}
	if g.Lat == nil || g.Lon == nil {
		log.Printf("vehicle gps frame missing lat/lon")
		return
	}
	pose, err := geo.LatLonToUTM(*g.Lat, *g.Lon)
	if err != nil {
		log.Printf("vehicle gps fix dropped: %v", err)
		return
	}
	// The board clock only orders gps frames against each other. The
	// estimator arbitrates every source on receive time.
	if g.Time != nil {
		s.mu.Lock()
		if *g.Time < s.gpsBoardMs {
			s.gpsStale++
			s.mu.Unlock()
			return
		}
		s.gpsBoardMs = *g.Time
		s.mu.Unlock()
	}
	s.est.GPSUpdate(pose, now)
}
