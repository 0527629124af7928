package cache

import "time"

// closingHour is the daily cutoff (local time) after which remote objects
// are allowed to expire. Bounding every asset and cache to the next closing
// forces re-validation against the local knowledge base at least once a day.
const closingHour = 20

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NextClosing returns the next occurrence of the daily cutoff in now's
// location: today at 20:00, or tomorrow's cutoff when now is already past it.
func NextClosing(now time.Time) time.Time {
	closing := time.Date(now.Year(), now.Month(), now.Day(), closingHour, 0, 0, 0, now.Location())
	if now.After(closing) {
		closing = closing.AddDate(0, 0, 1)
	}
	return closing
}
