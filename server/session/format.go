package session

import "fmt"

// FormatElapsed renders seconds as MM:SS. Minutes are not wrapped at an hour.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// FormatStreak renders "42s" below a minute and "3m 5s" above.
func FormatStreak(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
