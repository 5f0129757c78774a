package playback

import "fmt"

// Progress returns PositionMs/DurationMs clamped to [0,1]. A nil snapshot or
// a zero duration yields 0. Position is never extrapolated between polls.
func Progress(s *Snapshot) float64 {
	if s == nil || s.DurationMs <= 0 {
		return 0
	}
	p := float64(s.PositionMs) / float64(s.DurationMs)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// FormatTime renders milliseconds as m:ss. Negative values render as 0:00.
func FormatTime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
