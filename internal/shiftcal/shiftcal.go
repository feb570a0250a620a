package shiftcal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidSpec is returned when a shift-time spec cannot be parsed.
var ErrInvalidSpec = errors.New("shiftcal: invalid shift spec")

const (
	// DefaultCacheSize is the number of parsed shift specs kept in the cache.
	DefaultCacheSize = 512

	bucketDateFormat = "2006-01-02"
)

// Window is one continuous occurrence of a shift, resolved for a reference
// instant. Start is always strictly before End. BucketID is stable for every
// instant inside the occurrence.
type Window struct {
	Reference     time.Time
	Start         time.Time
	End           time.Time
	BucketID      string
	NightShift    bool
	BetweenShifts bool
	Fallback      bool
}

// Contains reports whether t falls inside the occurrence.
func (w *Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// spec is a parsed shift-time pair. Times of day only; dates are applied
// during resolution.
type spec struct {
	startHour, startMin int
	endHour, endMin     int
	night               bool
}

// Calendar resolves shift-time specs against a reporting timezone. Parsed
// specs are cached because the same handful of specs is resolved on every
// heartbeat.
type Calendar struct {
	loc   *time.Location
	cache *lru.Cache[string, spec]
}

// New creates a Calendar using loc as the reporting timezone for shift times
// and for the calendar-day fallback.
func New(loc *time.Location) (*Calendar, error) {
	if loc == nil {
		return nil, errors.New("shiftcal: nil location")
	}
	cache, err := lru.New[string, spec](DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Calendar{loc: loc, cache: cache}, nil
}

// Resolve parses a 12-hour "start - end" shift spec and returns the
// occurrence that governs now. Selection order:
//
//  1. If now is still no later than the end of the occurrence that started
//     yesterday, that occurrence wins. Late-night workers stay in last
//     night's bucket.
//  2. Otherwise, if now has reached today's start, today's occurrence wins.
//  3. Otherwise now falls in the gap between shifts; the most recently
//     completed occurrence is returned with BetweenShifts set. It must not
//     be used to start new accumulation.
func (c *Calendar) Resolve(shiftSpec string, now time.Time) (*Window, error) {
	sp, err := c.parse(shiftSpec)
	if err != nil {
		return nil, err
	}

	now = now.In(c.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	yesterday := today.AddDate(0, 0, -1)

	prior := sp.occurrence(yesterday, c.loc)
	if !now.After(prior.End) {
		return c.window(sp, prior, now, false), nil
	}

	current := sp.occurrence(today, c.loc)
	if !now.Before(current.Start) {
		return c.window(sp, current, now, false), nil
	}

	// Between shifts: the prior occurrence is the most recently completed.
	return c.window(sp, prior, now, true), nil
}

// ResolveOrFallback never fails: an unparseable spec degrades to a single
// calendar-day bucket in the reporting timezone so timing keeps functioning.
func (c *Calendar) ResolveOrFallback(shiftSpec string, now time.Time) *Window {
	w, err := c.Resolve(shiftSpec, now)
	if err != nil {
		return c.Fallback(now)
	}
	return w
}

// Fallback returns a midnight-to-midnight calendar-day window in the
// reporting timezone.
func (c *Calendar) Fallback(now time.Time) *Window {
	now = now.In(c.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	end := start.AddDate(0, 0, 1)
	return &Window{
		Reference: now,
		Start:     start,
		End:       end,
		BucketID:  start.Format(bucketDateFormat) + "-day",
		Fallback:  true,
	}
}

// TimeUntilReset returns the duration from now to the start of the next
// occurrence. Used for UI countdowns only.
func (c *Calendar) TimeUntilReset(shiftSpec string, now time.Time) (time.Duration, error) {
	sp, err := c.parse(shiftSpec)
	if err != nil {
		// Fallback buckets reset at the next midnight.
		now = now.In(c.loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
		return next.Sub(now), nil
	}

	now = now.In(c.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	next := sp.occurrence(today, c.loc).Start
	if !next.After(now) {
		next = sp.occurrence(today.AddDate(0, 0, 1), c.loc).Start
	}
	return next.Sub(now), nil
}

func (c *Calendar) window(sp spec, occ occurrence, now time.Time, between bool) *Window {
	suffix := "-day"
	if sp.night {
		suffix = "-night"
	}
	return &Window{
		Reference:     now,
		Start:         occ.Start,
		End:           occ.End,
		BucketID:      occ.Start.Format(bucketDateFormat) + suffix,
		NightShift:    sp.night,
		BetweenShifts: between,
	}
}

func (c *Calendar) parse(shiftSpec string) (spec, error) {
	if sp, ok := c.cache.Get(shiftSpec); ok {
		return sp, nil
	}
	sp, err := parseSpec(shiftSpec)
	if err != nil {
		return spec{}, err
	}
	c.cache.Add(shiftSpec, sp)
	return sp, nil
}

type occurrence struct {
	Start time.Time
	End   time.Time
}

// occurrence materializes the shift starting on the given calendar day.
// Night shifts end on the following day.
func (sp spec) occurrence(day time.Time, loc *time.Location) occurrence {
	start := time.Date(day.Year(), day.Month(), day.Day(), sp.startHour, sp.startMin, 0, 0, loc)
	endDay := day
	if sp.night {
		endDay = day.AddDate(0, 0, 1)
	}
	end := time.Date(endDay.Year(), endDay.Month(), endDay.Day(), sp.endHour, sp.endMin, 0, 0, loc)
	return occurrence{Start: start, End: end}
}

// parseSpec parses "10:00 PM - 7:00 AM" style pairs. Hyphen and en-dash
// separators are accepted. end <= start means the shift crosses midnight.
func parseSpec(s string) (spec, error) {
	sep := "-"
	if strings.Contains(s, "–") {
		sep = "–"
	}
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return spec{}, fmt.Errorf("%w: %q is not a \"start - end\" pair", ErrInvalidSpec, s)
	}

	startHour, startMin, err := parseClock(parts[0])
	if err != nil {
		return spec{}, fmt.Errorf("%w: start %q: %v", ErrInvalidSpec, strings.TrimSpace(parts[0]), err)
	}
	endHour, endMin, err := parseClock(parts[1])
	if err != nil {
		return spec{}, fmt.Errorf("%w: end %q: %v", ErrInvalidSpec, strings.TrimSpace(parts[1]), err)
	}

	startMinutes := startHour*60 + startMin
	endMinutes := endHour*60 + endMin

	return spec{
		startHour: startHour,
		startMin:  startMin,
		endHour:   endHour,
		endMin:    endMin,
		night:     endMinutes <= startMinutes,
	}, nil
}

// parseClock parses a 12-hour clock time like "7:00 AM" or "10:30pm".
func parseClock(s string) (hour, minute int, err error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	// Tolerate a missing space before the meridiem.
	if !strings.Contains(s, " ") {
		if cut, ok := strings.CutSuffix(s, "AM"); ok {
			s = cut + " AM"
		} else if cut, ok := strings.CutSuffix(s, "PM"); ok {
			s = cut + " PM"
		}
	}

	t, err := time.Parse("3:04 PM", s)
	if err != nil {
		if t2, err2 := time.Parse("3 PM", s); err2 == nil {
			return t2.Hour(), t2.Minute(), nil
		}
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
