package ffmpeg

import (
	"strconv"
	"strings"
)

// progressParser turns the key=value blocks written by `ffmpeg -progress`
// into whole percentages of the source duration.
type progressParser struct {
	total float64
	last  int
}

func newProgressParser(totalSeconds float64) *progressParser {
	return &progressParser{total: totalSeconds}
}

// ParseLine returns a percentage when the line moves progress forward.
// Percentages never decrease and are never repeated.
func (p *progressParser) ParseLine(line string) (int, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	value = strings.TrimSpace(value)

	var percent int
	switch key {
	case "out_time_us", "out_time_ms":
		// Both keys are reported in microseconds.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		percent = p.percentOf(float64(us) / 1e6)
	case "out_time":
		percent = p.percentOf(timeToSeconds(value))
	case "progress":
		if value != "end" {
			return 0, false
		}
		percent = 100
	default:
		return 0, false
	}

	if percent <= p.last {
		return 0, false
	}
	p.last = percent
	return percent, true
}

func (p *progressParser) percentOf(seconds float64) int {
	if p.total <= 0 || seconds <= 0 {
		return 0
	}
	return min(int(seconds/p.total*100), 100)
}

// timeToSeconds converts ffmpeg time format (HH:MM:SS.micro) to seconds.
func timeToSeconds(timeStr string) float64 {
	parts := strings.Split(timeStr, ":")
	if len(parts) != 3 {
		return 0
	}

	hours, err1 := strconv.ParseFloat(parts[0], 64)
	minutes, err2 := strconv.ParseFloat(parts[1], 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}

	return hours*3600 + minutes*60 + seconds
}
