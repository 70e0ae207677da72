package indexer

import (
	"fmt"
	"time"
)

const oneDay = 24 * time.Hour

// Window is the one-day span [Start, End) processed by one pass.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
}

// Ready reports whether the window has fully elapsed at now.
func (w Window) Ready(now time.Time) bool {
	return !w.End.After(now)
}

// windowAfter returns the window following the cursor day, or starting at epoch
// when nothing has been committed yet.
func windowAfter(cursor time.Time, hasCursor bool, epoch time.Time) Window {
	start := midnight(epoch)
	if hasCursor {
		start = midnight(cursor)
	}
	return Window{Start: start, End: start.Add(oneDay)}
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
