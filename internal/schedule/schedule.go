// Package schedule decides which notifications are due and computes the
// next occurrence of a recurrence pattern.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notification-pipeline/internal/models"
)

// FallbackInterval is used for patterns that cannot be parsed.
const FallbackInterval = 7 * 24 * time.Hour

// DeliveryHour is the local hour every recurring occurrence fires at.
const DeliveryHour = 9

var weekdays = map[string]string{
	"MON": "MON", "TUE": "TUE", "WED": "WED", "THU": "THU",
	"FRI": "FRI", "SAT": "SAT", "SUN": "SUN",
}

// daysInMonth allows Feb 29; cron skips the years without it.
var daysInMonth = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// Pattern is a parsed recurrence pattern.
type Pattern struct {
	raw      string
	schedule cron.Schedule
}

func (p Pattern) String() string { return p.raw }

// ParsePattern accepts "weekly:<MON..SUN>" and "yearly:MM-DD".
func ParsePattern(pattern string) (Pattern, error) {
	kind, arg, ok := strings.Cut(strings.TrimSpace(pattern), ":")
	if !ok {
		return Pattern{}, fmt.Errorf("recurrence pattern %q: missing ':'", pattern)
	}

	var spec string
	switch strings.ToLower(kind) {
	case "weekly":
		day, ok := weekdays[strings.ToUpper(arg)]
		if !ok {
			return Pattern{}, fmt.Errorf("recurrence pattern %q: unknown weekday", pattern)
		}
		spec = fmt.Sprintf("0 %d * * %s", DeliveryHour, day)

	case "yearly":
		month, day, err := parseMonthDay(arg)
		if err != nil {
			return Pattern{}, fmt.Errorf("recurrence pattern %q: %w", pattern, err)
		}
		spec = fmt.Sprintf("0 %d %d %d *", DeliveryHour, day, month)

	default:
		return Pattern{}, fmt.Errorf("recurrence pattern %q: unknown kind %q", pattern, kind)
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return Pattern{}, fmt.Errorf("recurrence pattern %q: %w", pattern, err)
	}
	return Pattern{raw: pattern, schedule: sched}, nil
}

func parseMonthDay(s string) (int, int, error) {
	mm, dd, ok := strings.Cut(s, "-")
	if !ok || len(mm) != 2 || len(dd) != 2 {
		return 0, 0, fmt.Errorf("expected MM-DD")
	}
	month, err := strconv.Atoi(mm)
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid month %q", mm)
	}
	day, err := strconv.Atoi(dd)
	if err != nil || day < 1 || day > daysInMonth[month] {
		return 0, 0, fmt.Errorf("invalid day %q for month %02d", dd, month)
	}
	return month, day, nil
}

// Next returns the first occurrence strictly after now, in now's location.
// No pattern fires on the same calendar day as now: a weekly pattern moves
// a week on and a yearly one a year on.
func (p Pattern) Next(now time.Time) time.Time {
	next := p.schedule.Next(now)
	if next.IsZero() {
		return now.Add(FallbackInterval)
	}
	if sameDay(next, now) {
		next = p.schedule.Next(next)
	}
	return next
}

// NextOccurrence computes the next firing of pattern after now. Patterns
// that do not parse resolve to now + FallbackInterval.
func NextOccurrence(now time.Time, pattern string) time.Time {
	p, err := ParsePattern(pattern)
	if err != nil {
		return now.Add(FallbackInterval)
	}
	return p.Next(now)
}

// IsDue reports whether n has a scheduled time at or before now and is
// still pending.
func IsDue(n *models.Notification, now time.Time) bool {
	return n != nil &&
		n.ScheduledTime != nil &&
		!n.ScheduledTime.After(now) &&
		n.Status == models.StatusPending
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
