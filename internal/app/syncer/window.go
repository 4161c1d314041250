package syncer

import (
	"time"

	"github.com/okian/elosync/internal/domain/model"
)

// Window is an inclusive day range.
type Window struct {
	From time.Time
	To   time.Time
}

// Chunks splits [from, to] into consecutive windows of at most days days.
// Each window starts the day after the previous one ends.
func Chunks(from, to time.Time, days int) []Window {
	if days < 1 {
		days = 1
	}
	from, to = model.Day(from), model.Day(to)
	var out []Window
	for cur := from; !cur.After(to); {
		end := cur.AddDate(0, 0, days)
		if end.After(to) {
			end = to
		}
		out = append(out, Window{From: cur, To: end})
		cur = end.AddDate(0, 0, 1)
	}
	return out
}
