package vehicle

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// nmeaSentence is a parsed echosounder sentence. Fields[0] is the talker
// and type ("SDDBT").
type nmeaSentence struct {
	Type   string
	Fields []string
}

// parseNMEA splits an NMEA 0183 line. The checksum is verified when the
// sounder includes one.
func parseNMEA(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	payload := line[1:]
	if star := strings.LastIndexByte(line, '*'); star != -1 {
		payload = line[1:star]
		ck := strings.TrimSpace(line[star+1:])
		if len(ck) < 2 {
			return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
		}
		want, err := hex.DecodeString(ck[:2])
		if err != nil || len(want) != 1 {
			return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
		}
		got := byte(0)
		for i := 0; i < len(payload); i++ {
			got ^= payload[i]
		}
		if got != want[0] {
			return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
		}
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// float returns field i as a number.
func (n nmeaSentence) float(i int) (float64, error) {
	if i >= len(n.Fields) || strings.TrimSpace(n.Fields[i]) == "" {
		return 0, fmt.Errorf("nmea: %s missing field %d", n.Type, i)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(n.Fields[i]), 64)
	if err != nil {
		return 0, fmt.Errorf("nmea: %s field %d: %w", n.Type, i, err)
	}
	return v, nil
}
