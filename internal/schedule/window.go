// Package schedule computes daily quota windows and fires daily runs.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock parses "HH:MM" (24h).
func ParseClock(raw string) (Clock, error) {
	m := reHHMM.FindStringSubmatch(raw)
	if m == nil {
		return Clock{}, fmt.Errorf("invalid time %q: want HH:MM", strings.TrimSpace(raw))
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return Clock{}, fmt.Errorf("invalid time %q: out of range", strings.TrimSpace(raw))
	}
	return Clock{Hour: h, Minute: mm}, nil
}

// Window is the daily quota window: it starts every day at Boundary.
type Window struct {
	Boundary Clock
	Location *time.Location
}

// NewWindow parses the boundary; a nil location means time.Local.
func NewWindow(boundary string, loc *time.Location) (Window, error) {
	c, err := ParseClock(boundary)
	if err != nil {
		return Window{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	return Window{Boundary: c, Location: loc}, nil
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

// Start returns the most recent boundary at or before now.
func (w Window) Start(now time.Time) time.Time {
	t := now.In(w.loc())
	b := time.Date(t.Year(), t.Month(), t.Day(), w.Boundary.Hour, w.Boundary.Minute, 0, 0, w.loc())
	if t.Before(b) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// Next returns the first boundary strictly after now.
func (w Window) Next(now time.Time) time.Time {
	return w.Start(now).AddDate(0, 0, 1)
}

// Key names the window containing now, e.g. "2026-10-16".
func (w Window) Key(now time.Time) string {
	return w.Start(now).Format("2006-01-02")
}
