package replay

import (
	"strconv"
	"strings"
	"time"
)

// Reference pacing of the recorded championship log.
const (
	DefaultFactor   = 0.0001
	DefaultMinDelay = time.Second
	DefaultMaxDelay = 2 * time.Second
)

// scale multiplies d by factor at millisecond precision.
func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(int64(float64(d.Milliseconds())*factor)) * time.Millisecond
}

// Delay returns the pause between two lines recorded at prev and next:
// (next - prev) * factor, clamped to [minDelay, maxDelay].
//
// The clamp applies to every gap, including zero and negative ones, so two
// lines recorded in the same minute are still minDelay apart.
func Delay(prev, next time.Time, factor float64, minDelay, maxDelay time.Duration) time.Duration {
	d := scale(next.Sub(prev), factor)
	if d < minDelay {
		return minDelay
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Shift maps a recorded date into replay time: now + (t - anchor) * factor.
func Shift(t, anchor, now time.Time, factor float64) time.Time {
	return now.Add(scale(t.Sub(anchor), factor))
}

// Substitute replaces ${i} in template with params[i] shifted by Shift and
// formatted with layout in the location of now.
func Substitute(template string, params []time.Time, anchor, now time.Time, factor float64, layout string) string {
	if len(params) == 0 {
		return template
	}
	pairs := make([]string, 0, 2*len(params))
	for i, p := range params {
		pairs = append(pairs, "${"+strconv.Itoa(i)+"}", Shift(p, anchor, now, factor).Format(layout))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
