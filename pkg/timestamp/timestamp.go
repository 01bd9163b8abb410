// Package timestamp handles the unix-millisecond timestamps carried in every
// WebSocket envelope. A value of 0 means "not set".
package timestamp

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Clock returns the current time in unix milliseconds. Components take a
// Clock so tests can pin delivery timestamps.
type Clock func() int64

// Now returns the current time as unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Fixed returns a Clock that always reports ms.
func Fixed(ms int64) Clock {
	return func() int64 { return ms }
}

// ToUnixMs converts t to unix milliseconds. The zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts unix milliseconds to a UTC time. 0 maps to the zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Format renders ms as RFC3339 with millisecond precision, or "" for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return FromUnixMs(ms).Format("2006-01-02T15:04:05.000Z07:00")
}

// secondsCutoff separates second-resolution values from millisecond ones.
// Devices without a synced clock report small second counts.
const secondsCutoff = 1e12

// Parse interprets a peer-supplied timestamp. Numbers below 1e12 are taken
// as seconds, larger ones as milliseconds. Strings may be RFC3339 or numeric.
// Unparseable input yields 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case nil:
		return 0
	case int64:
		return normalizeNumber(float64(v))
	case int:
		return normalizeNumber(float64(v))
	case float64:
		return normalizeNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return normalizeNumber(f)
	case time.Time:
		return ToUnixMs(v)
	case string:
		if v == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return normalizeNumber(f)
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ToUnixMs(t)
		}
	}
	return 0
}

func normalizeNumber(f float64) int64 {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f < secondsCutoff {
		return int64(f * 1000)
	}
	return int64(f)
}
