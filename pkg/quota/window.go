package quota

import (
	"time"

	"github.com/nexiloop/nexiloop/pkg/models"
)

// Expired reports whether ctr's window does not cover the UTC day of now.
func Expired(ctr models.Counter, now time.Time) bool {
	return !models.SameUTCDay(ctr.WindowStart, now)
}

// Effective returns the count that applies today without writing anything.
// An expired window counts as zero.
func Effective(ctr models.Counter, now time.Time) int64 {
	if Expired(ctr, now) {
		return 0
	}
	return ctr.Count
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
