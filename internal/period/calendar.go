package period

import (
	"fmt"
	"time"
)

// Calendar is a fixed UTC aggregation window for daily, weekly and monthly caps.
type Calendar string

const (
	CalendarDay   Calendar = "day"
	CalendarWeek  Calendar = "week"
	CalendarMonth Calendar = "month"
)

// Key returns the bucket t falls into for this calendar window.
func (c Calendar) Key(t time.Time) string {
	switch c {
	case CalendarDay:
		return DayKey(t)
	case CalendarWeek:
		return WeekKey(t)
	case CalendarMonth:
		return MonthKey(t)
	default:
		return ""
	}
}

// ResetsAt returns the start of the bucket following the one containing t.
func (c Calendar) ResetsAt(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch c {
	case CalendarDay:
		return midnight.AddDate(0, 0, 1)
	case CalendarWeek:
		// ISO weeks start on Monday.
		offset := (int(t.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, 7-offset)
	case CalendarMonth:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return midnight
	}
}

// DayKey is the UTC calendar date, YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// WeekKey is the ISO-8601 week, YYYY-Www.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// MonthKey is the UTC calendar month, YYYY-MM.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
