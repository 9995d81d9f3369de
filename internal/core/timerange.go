package core

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var relativeUnits = map[byte]float64{
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// ParseTimeBound interprets a since/until query value. It accepts an absolute
// epoch timestamp ("1718000000.5") or a relative offset ("30m", "1h", "2d")
// meaning now minus that many seconds. Anything else reports ok=false and the
// caller treats the bound as absent.
func ParseTimeBound(val string, now time.Time) (float64, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f, true
	}

	val = strings.ToLower(val)
	mult, ok := relativeUnits[val[len(val)-1]]
	if !ok {
		return 0, false
	}
	digits := val[:len(val)-1]
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return EpochSeconds(now) - float64(n)*mult, true
}

// TimeRange is an optional [Since, Until] bound in epoch seconds.
type TimeRange struct {
	Since *float64
	Until *float64
}

// ParseTimeRange builds a TimeRange from raw query values, dropping bounds that do not parse.
func ParseTimeRange(since, until string, now time.Time) TimeRange {
	var tr TimeRange
	if v, ok := ParseTimeBound(since, now); ok {
		tr.Since = &v
	}
	if v, ok := ParseTimeBound(until, now); ok {
		tr.Until = &v
	}
	return tr
}

// SinceOr returns Since, or now minus fallback when Since is absent.
func (tr TimeRange) SinceOr(now time.Time, fallback time.Duration) float64 {
	if tr.Since != nil {
		return *tr.Since
	}
	return EpochSeconds(now) - fallback.Seconds()
}

// EventFilter selects events for range queries. Empty string fields are not applied.
type EventFilter struct {
	TimeRange
	Severity  string
	EventType string
	SourceIP  string
	Limit     int
}

// EpochSeconds converts t to float seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// TimeFromEpoch converts float seconds since the Unix epoch to a time.
func TimeFromEpoch(ts float64) time.Time {
	sec := math.Floor(ts)
	return time.Unix(int64(sec), int64((ts-sec)*1e9))
}
