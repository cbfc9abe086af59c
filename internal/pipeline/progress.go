package pipeline

import (
	"strconv"
	"strings"
	"time"
)

// Progress holds best-effort metrics parsed from process log output. It is
// observability only; pipeline success and failure never depend on it.
type Progress struct {
	Stage       string
	Speed       float64
	BitrateKBPS float64
	Time        time.Duration
	Percent     float64
	Valid       bool
}

// ProgressObserver receives parsed progress events. Observers must be fast
// and must not block; they are invoked on the stderr scanning goroutine.
type ProgressObserver func(Progress)

// ParseTranscodeStats parses a standard ffmpeg progress line into structured
// stats. Strategy: robust field extraction (substring search) rather than
// strict regex. Returns nil if the line doesn't look like a progress line.
//
// Acceptable line example:
//
//	"size=  1234kB time=00:00:12.34 bitrate= 800.0kbits/s speed=1.0x"
func ParseTranscodeStats(line string) *Progress {
	if !strings.Contains(line, "time=") && !strings.Contains(line, "bitrate=") {
		return nil
	}

	stats := &Progress{Stage: StageTranscoder}
	foundAny := false

	extract := func(key string) string {
		idx := strings.Index(line, key)
		if idx == -1 {
			return ""
		}
		val := strings.TrimLeft(line[idx+len(key):], " ")
		if val == "" {
			return ""
		}
		if spaceIdx := strings.Index(val, " "); spaceIdx != -1 {
			return val[:spaceIdx]
		}
		return val
	}

	if val := extract("speed="); val != "" && val != "N/A" {
		if s, err := strconv.ParseFloat(strings.TrimSuffix(val, "x"), 64); err == nil {
			stats.Speed = s
			foundAny = true
		}
	}

	if val := extract("bitrate="); val != "" && val != "N/A" {
		val = strings.TrimSuffix(val, "kbits/s")
		val = strings.TrimSuffix(val, "kb/s")
		if b, err := strconv.ParseFloat(val, 64); err == nil {
			stats.BitrateKBPS = b
			foundAny = true
		}
	}

	if val := extract("time="); val != "" && val != "N/A" {
		if d, ok := parseClock(val); ok {
			stats.Time = d
			foundAny = true
		}
	}

	if !foundAny {
		return nil
	}
	stats.Valid = true
	return stats
}

// ParseFetchPercent extracts the completion percentage from a fetcher
// progress line such as "[download]  42.3% of 3.52MiB at 1.21MiB/s".
func ParseFetchPercent(line string) (float64, bool) {
	if !strings.Contains(line, "[download]") {
		return 0, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "[download]"))
	end := strings.Index(rest, "%")
	if end <= 0 {
		return 0, false
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(rest[:end]), 64)
	if err != nil || p < 0 || p > 100 {
		return 0, false
	}
	return p, true
}

// ClassifyStderr determines a failure reason based on a process stderr line.
// It returns a specific reason string or empty if no known signature matched.
// Precedence: connection-reset signals take priority over io_error when both
// appear.
func ClassifyStderr(line string) string {
	s := strings.ToLower(line)

	if strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") {
		return "stream_connect_reset"
	}

	if strings.Contains(s, "input/output error") {
		return "io_error"
	}

	if strings.Contains(s, "http error 403") || strings.Contains(s, "forbidden") {
		return "source_forbidden"
	}
	if strings.Contains(s, "http error 404") || strings.Contains(s, "not found") {
		return "source_not_found"
	}

	return ""
}

// parseClock parses ffmpeg's HH:MM:SS.ss clock notation.
func parseClock(v string) (time.Duration, bool) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || s < 0 {
		return 0, false
	}
	d := time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s*float64(time.Second))
	return d, true
}
