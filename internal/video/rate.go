//go:build linux

package video

import (
	"fbvid/internal/fbdev"
	"fbvid/internal/log"
)

// Refresh-rate bounds in milli-Hertz. Devices reporting garbage timing
// data get clamped here so the vblank pacing interval stays sane.
const (
	fallbackRateMilliHz = 60 * 1000
	minRateMilliHz      = 1
	maxRateMilliHz      = 200 * 1000
)

// refreshRateMilliHz derives the monitor refresh rate from the raw timing
// registers:
//
//	rate = 10^15 / (htotal * vtotal * pixclock)
//
// where htotal and vtotal are the margin-inclusive line and frame sums
// and pixclock is the pixel clock period in picoseconds. The triple
// product needs 64-bit arithmetic; a zero product means the device does
// not report timing data and yields the 60 Hz fallback.
func refreshRateMilliHz(v *fbdev.VarScreeninfo) uint64 {
	quot := uint64(v.UpperMargin) + uint64(v.LowerMargin) + uint64(v.YRes)
	quot *= uint64(v.LeftMargin) + uint64(v.RightMargin) + uint64(v.XRes)
	quot *= uint64(v.PixClock)

	var rate uint64
	if quot != 0 {
		rate = 1000000000000000 / quot
	} else {
		rate = fallbackRateMilliHz
		log.Warn("cannot read monitor refresh rate, forcing 60 Hz")
	}

	if rate < minRateMilliHz {
		log.Warn("monitor refresh rate is 0 Hz, forcing it to 1 Hz")
		rate = minRateMilliHz
	} else if rate > maxRateMilliHz {
		log.Warn("monitor refresh rate exceeds 200 Hz, clamping",
			"rate_hz", rate/1000)
		rate = maxRateMilliHz
	}

	return rate
}

// vblankIntervalMs converts a milli-Hertz rate into the vblank pacing
// period in milliseconds, rounded down.
func vblankIntervalMs(rateMilliHz uint64) uint64 {
	return 1000000 / rateMilliHz
}
