// Package period computes usage periods anchored at a grant start and the
// calendar keys used to aggregate usage per UTC day, ISO week and month.
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
	UnitYear  Unit = "year"
)

var (
	ErrInvalidLength = errors.New("invalid_period_length")
	ErrBeforeAnchor  = errors.New("period_before_anchor")
	ErrGrantEnded    = errors.New("period_grant_ended")
)

// Length is a usage period such as 30 days or 1 month.
type Length struct {
	Unit  Unit
	Count int
}

func ParseUnit(raw string) (Unit, error) {
	switch Unit(strings.ToLower(strings.TrimSpace(raw))) {
	case UnitDay:
		return UnitDay, nil
	case UnitWeek:
		return UnitWeek, nil
	case UnitMonth:
		return UnitMonth, nil
	case UnitYear:
		return UnitYear, nil
	default:
		return "", ErrInvalidLength
	}
}

func (l Length) Validate() error {
	if l.Count <= 0 {
		return ErrInvalidLength
	}
	switch l.Unit {
	case UnitDay, UnitWeek, UnitMonth, UnitYear:
		return nil
	default:
		return ErrInvalidLength
	}
}

func (l Length) String() string {
	return fmt.Sprintf("%d %s", l.Count, l.Unit)
}

// Advance returns the start of the n-th period after anchor.
func (l Length) Advance(anchor time.Time, n int) time.Time {
	switch l.Unit {
	case UnitDay:
		return anchor.AddDate(0, 0, n*l.Count)
	case UnitWeek:
		return anchor.AddDate(0, 0, 7*n*l.Count)
	case UnitMonth:
		return AddMonths(anchor, n*l.Count)
	case UnitYear:
		return AddMonths(anchor, 12*n*l.Count)
	default:
		return anchor
	}
}

// AddMonths adds months to t and clamps the day to the end of the target
// month, so Jan 31 + 1 month is the last day of February.
func AddMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// GrantEnd is the instant a grant of durationMonths starting at anchor stops.
// A nil result means the grant never ends.
func GrantEnd(anchor time.Time, durationMonths *int) *time.Time {
	if durationMonths == nil || *durationMonths <= 0 {
		return nil
	}
	end := AddMonths(anchor.UTC(), *durationMonths)
	return &end
}

// Schedule slices time after Anchor into consecutive half-open periods.
type Schedule struct {
	Anchor   time.Time
	Length   Length
	GrantEnd *time.Time
}

// Window is one period of a schedule, [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
	Index int
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Locate returns the period containing now. The last period is truncated at
// the grant end; instants at or after the grant end return ErrGrantEnded.
func (s Schedule) Locate(now time.Time) (Window, error) {
	if err := s.Length.Validate(); err != nil {
		return Window{}, err
	}
	anchor := s.Anchor.UTC()
	now = now.UTC()
	if now.Before(anchor) {
		return Window{}, ErrBeforeAnchor
	}
	if s.GrantEnd != nil && !now.Before(s.GrantEnd.UTC()) {
		return Window{}, ErrGrantEnded
	}

	k := s.estimate(anchor, now)
	for k > 0 && s.Length.Advance(anchor, k).After(now) {
		k--
	}
	for !s.Length.Advance(anchor, k+1).After(now) {
		k++
	}

	window := Window{
		Start: s.Length.Advance(anchor, k),
		End:   s.Length.Advance(anchor, k+1),
		Index: k,
	}
	if s.GrantEnd != nil && window.End.After(s.GrantEnd.UTC()) {
		window.End = s.GrantEnd.UTC()
	}
	return window, nil
}

func (s Schedule) estimate(anchor, now time.Time) int {
	switch s.Length.Unit {
	case UnitDay, UnitWeek:
		span := 24 * time.Hour * time.Duration(s.Length.Count)
		if s.Length.Unit == UnitWeek {
			span *= 7
		}
		return int(now.Sub(anchor) / span)
	case UnitMonth, UnitYear:
		months := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
		per := s.Length.Count
		if s.Length.Unit == UnitYear {
			per *= 12
		}
		if months < 0 {
			return 0
		}
		return months / per
	default:
		return 0
	}
}
