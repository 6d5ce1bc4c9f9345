package duration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"all components", "2h 5m 9s", 7509 * time.Second},
		{"hours only", "3h", 3 * time.Hour},
		{"minutes and seconds", "10m 0s", 10 * time.Minute},
		{"upper case", "1H 1M 1S", time.Hour + time.Minute + time.Second},
		{"no spaces", "1h2m3s", time.Hour + 2*time.Minute + 3*time.Second},
		{"padded zeros", "0h 00m 00s", 0},
		{"surrounding whitespace", "  0h 10m 0s ", 10 * time.Minute},
		{"empty", "", 0},
		{"garbage", "garbage", 0},
		{"bare number", "5", 0},
		{"legacy decimal", "1.5", 0},
		{"trailing junk", "1h 2m 3s later", 0},
		{"overflowing digits", "99999999999999999999h", 0},
		{"hours past duration range", "9999999999999h", 0},
		{"components past duration range", "2562047h 47m 17s", 0},
		{"largest representable", "2562047h 47m 16s", Max},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.in))
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1h 1m 1s", Format(3661*time.Second))
	assert.Equal(t, "0h 10m 0s", Format(10*time.Minute))
	assert.Equal(t, "26h 0m 0s", Format(26*time.Hour))
	assert.Equal(t, "0h 0m 59s", Format(59999*time.Millisecond))
	assert.Equal(t, Zero, Format(0))
	assert.Equal(t, Zero, Format(-time.Minute))
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, secs := range []int64{0, 1, 59, 60, 61, 3599, 3600, 3661, 86399, 86400, 90061, 1_000_000} {
		d := time.Duration(secs) * time.Second
		require.Equal(t, d, Parse(Format(d)), "seconds=%d", secs)
	}

	// Sub-second remainders are floored away.
	d := 3661*time.Second + 999*time.Millisecond
	assert.Equal(t, 3661*time.Second, Parse(Format(d)))
}

func TestFromDecimalHours(t *testing.T) {
	assert.Equal(t, "1h 30m 0s", FromDecimalHours(1.5))
	assert.Equal(t, "0h 15m 0s", FromDecimalHours(0.25))
	assert.Equal(t, "2h 0m 0s", FromDecimalHours(2))
	// 0.0001h = 0.36s rounds to 0s, 0.0002h = 0.72s rounds to 1s.
	assert.Equal(t, Zero, FromDecimalHours(0.0001))
	assert.Equal(t, "0h 0m 1s", FromDecimalHours(0.0002))
	assert.Equal(t, Zero, FromDecimalHours(-1))
	assert.Equal(t, Format(Max), FromDecimalHours(1e15))
}

func TestLegacyHours(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		legacy bool
	}{
		{1.5, 1.5, true},
		{3, 3, true},
		{json.Number("0.75"), 0.75, true},
		{"1.5", 1.5, true},
		{"2", 2, true},
		{"2.", 2, true},
		{"1h 30m 0s", 0, false},
		{"0h 0m 0s", 0, false},
		{"-1.5", 0, false},
		{"", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := LegacyHours(tt.in)
		assert.Equal(t, tt.legacy, ok, "%v", tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "%v", tt.in)
	}
}

func TestSum(t *testing.T) {
	assert.Equal(t, 40*time.Minute+5*time.Second, Sum("0h 10m 0s", "0h 30m 5s", "garbage"))
	assert.Equal(t, time.Duration(0), Sum())
	assert.Equal(t, Max, Sum("2562047h 47m 16s", "1h"))
}

func TestAddSaturates(t *testing.T) {
	assert.Equal(t, 3*time.Hour, Add(time.Hour, 2*time.Hour))
	assert.Equal(t, Max, Add(Max-time.Second, time.Hour))
	assert.Equal(t, Max, Add(Max, time.Second))
	assert.Equal(t, "2562047h 47m 16s", Format(Add(Parse("2562047h 0m 0s"), 48*time.Minute)))
}
