package features

import (
	"strings"
	"time"

	"github.com/opensource-finance/canomaly/internal/domain"
)

// isoLayouts are tried first, in order. The space-separated layout is the fallback.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

const sqlLayout = "2006-01-02 15:04:05"

// ParseTransactionTime accepts ISO-8601 or "YYYY-MM-DD HH:MM:SS".
// Values without a zone are read as UTC.
func ParseTransactionTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(sqlLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, domain.Errorf(domain.KindFormat, "unparseable transaction_time %q", s)
}

// dayOfWeek returns 0 for Monday through 6 for Sunday.
func dayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func isPeakHour(hour int) bool {
	switch hour {
	case 7, 8, 17, 18:
		return true
	}
	return false
}
