package duration

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Zero is the canonical rendering of an empty duration.
const Zero = "0h 0m 0s"

// maxSeconds is the largest whole-second count a time.Duration holds.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// Max is the largest duration Parse, Add and FromDecimalHours produce.
const Max = time.Duration(maxSeconds) * time.Second

var (
	canonicalRe = regexp.MustCompile(`(?i)^\s*(?:(\d+)\s*h)?\s*(?:(\d+)\s*m)?\s*(?:(\d+)\s*s)?\s*$`)
	legacyRe    = regexp.MustCompile(`^\d+\.?\d*$`)
)

// Parse converts "Hh Mm Ss" text (any subset of components, case-insensitive)
// into a duration. Empty or malformed input yields 0, as does text whose
// total does not fit in a time.Duration.
func Parse(text string) time.Duration {
	m := canonicalRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	var parts [3]int64
	for i, raw := range m[1:] {
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0
		}
		parts[i] = v
	}
	var secs int64
	for i, unit := range [3]int64{3600, 60, 1} {
		if parts[i] > (maxSeconds-secs)/unit {
			return 0
		}
		secs += parts[i] * unit
	}
	return time.Duration(secs) * time.Second
}

// Add returns a+b, saturating at Max instead of overflowing.
func Add(a, b time.Duration) time.Duration {
	if b > 0 && a > Max-b {
		return Max
	}
	return a + b
}

// Format renders d as "Hh Mm Ss", flooring to whole seconds. Negative
// durations render as Zero.
func Format(d time.Duration) string {
	if d <= 0 {
		return Zero
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs/60)%60, secs%60)
}

// FromDecimalHours converts a legacy decimal-hours value to canonical text,
// rounding to the nearest whole second.
func FromDecimalHours(hours float64) string {
	if hours <= 0 || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return Zero
	}
	secs := math.Round(hours * 3600)
	if secs > float64(maxSeconds) {
		return Format(Max)
	}
	return Format(time.Duration(secs) * time.Second)
}

// LegacyHours reports whether v is a legacy decimal-hours value (a number or
// a numeric-looking string) and returns it as hours.
func LegacyHours(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if !legacyRe.MatchString(s) {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Sum adds canonical durations.
func Sum(values ...string) time.Duration {
	var total time.Duration
	for _, v := range values {
		total = Add(total, Parse(v))
	}
	return total
}
