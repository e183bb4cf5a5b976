package processor

import (
	"fmt"
	"time"
)

// Supported recurring frequency units.
const (
	UnitDay   = "day"
	UnitWeek  = "week"
	UnitMonth = "month"
	UnitYear  = "year"
)

// AddInterval advances t by count units using calendar-accurate arithmetic.
// Month and year additions clamp to the last day of the target month, so
// Jan 31 + 1 month is Feb 29 in a leap year and Feb 28 otherwise, never an
// overflow into March.
func AddInterval(t time.Time, count int, unit string) (time.Time, error) {
	switch unit {
	case UnitDay:
		return t.AddDate(0, 0, count), nil
	case UnitWeek:
		return t.AddDate(0, 0, 7*count), nil
	case UnitMonth:
		return addMonthsClamped(t, count), nil
	case UnitYear:
		return addMonthsClamped(t, 12*count), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported frequency unit: %q", unit)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	totalMonths := int(t.Month()) - 1 + months
	year := t.Year() + totalMonths/12
	month := time.Month(totalMonths%12 + 1)

	day := t.Day()
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextScheduledDate computes the date of the next charge: one interval past
// the later of the explicit start date, the prior scheduled date when it is
// still in the future, and now. A prior scheduled date already in the past
// never drags the next charge into the past.
func NextScheduledDate(now time.Time, startDate, priorScheduled *time.Time, interval int, unit string) (time.Time, error) {
	base := now
	if startDate != nil && startDate.After(base) {
		base = *startDate
	}
	if priorScheduled != nil && priorScheduled.After(base) {
		base = *priorScheduled
	}
	return AddInterval(base, interval, unit)
}

// EndDate computes the end of a recurring agreement with a fixed number of
// installments: start + installments x interval units, inclusive through
// end of day.
func EndDate(startDate time.Time, installments, interval int, unit string) (time.Time, error) {
	if installments <= 0 {
		return time.Time{}, &ConfigurationError{Field: "installments"}
	}
	end, err := AddInterval(startDate, installments*interval, unit)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, end.Location()), nil
}
