package timestamp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow(t *testing.T) {
	before := time.Now().UnixMilli()
	got := Now()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}

func TestFixed(t *testing.T) {
	c := Fixed(42)
	assert.Equal(t, int64(42), c())
	assert.Equal(t, int64(42), c())
}

func TestConversions(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 789_000_000, time.UTC)
	ms := ToUnixMs(ts)

	assert.Equal(t, ts, FromUnixMs(ms))
	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "2026-02-03T04:05:06.789Z", Format(ms))
	assert.Equal(t, "", Format(0))
}

func TestParse(t *testing.T) {
	const ms = int64(1767225600000) // 2026-01-01T00:00:00Z

	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"nil", nil, 0},
		{"milliseconds", ms, ms},
		{"seconds", int64(1767225600), ms},
		{"int", 1767225600, ms},
		{"float seconds", 1767225600.5, ms + 500},
		{"json number", json.Number("1767225600000"), ms},
		{"numeric string", "1767225600000", ms},
		{"rfc3339", "2026-01-01T00:00:00Z", ms},
		{"time", time.UnixMilli(ms), ms},
		{"garbage", "yesterday", 0},
		{"negative", int64(-5), 0},
		{"empty string", "", 0},
		{"unsupported type", []int{1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}
