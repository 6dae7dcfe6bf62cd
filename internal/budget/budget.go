// Package budget enforces per-run call ceilings on the external Maps APIs.
// Counters live in an explicit Tracker passed to every call site; nothing is
// persisted, so each run starts from zero.
package budget

import (
	"errors"
	"fmt"
	"log"
)

type Category string

const (
	CategoryGeocoding Category = "geocoding"
	CategoryDistance  Category = "distance"
	CategoryPlaces    Category = "places"
)

// ErrExhausted means the hard limit for a category was reached; the caller
// skips the call and leaves the record in its pre-call state for the next run.
var ErrExhausted = errors.New("api budget exhausted")

type Limits struct {
	Geocoding   int
	Distance    int
	Places      int
	WarnPercent int // soft threshold, e.g. 80
}

type CategoryUsage struct {
	Category  Category
	Calls     int
	Limit     int
	Remaining int
	Blocked   int
}

// Tracker is not safe for concurrent use; the pipeline is a single writer.
type Tracker struct {
	limits  map[Category]int
	calls   map[Category]int
	blocked map[Category]int
	warnPct int
	warned  map[Category]bool
}

func NewTracker(l Limits) *Tracker {
	warn := l.WarnPercent
	if warn <= 0 || warn > 100 {
		warn = 80
	}
	return &Tracker{
		limits: map[Category]int{
			CategoryGeocoding: l.Geocoding,
			CategoryDistance:  l.Distance,
			CategoryPlaces:    l.Places,
		},
		calls:   map[Category]int{},
		blocked: map[Category]int{},
		warnPct: warn,
		warned:  map[Category]bool{},
	}
}

// Take reserves one call in the category. It returns ErrExhausted once the
// hard limit is reached; the reservation that would cross the limit is not
// counted, so a limit of N allows exactly N calls.
func (t *Tracker) Take(cat Category) error {
	limit := t.limits[cat]
	next := t.calls[cat] + 1
	if limit > 0 && next > limit {
		t.blocked[cat]++
		return fmt.Errorf("%w: %s limit %d reached", ErrExhausted, cat, limit)
	}
	t.calls[cat] = next

	if limit > 0 && !t.warned[cat] && next*100 >= limit*t.warnPct {
		t.warned[cat] = true
		log.Printf("[budget] warning: %s at %d/%d calls (%d%% threshold)", cat, next, limit, t.warnPct)
	}
	return nil
}

// Exhausted reports whether further calls in the category would be refused.
func (t *Tracker) Exhausted(cat Category) bool {
	limit := t.limits[cat]
	return limit > 0 && t.calls[cat] >= limit
}

func (t *Tracker) Calls(cat Category) int { return t.calls[cat] }

func (t *Tracker) Summary() []CategoryUsage {
	out := make([]CategoryUsage, 0, 3)
	for _, cat := range []Category{CategoryGeocoding, CategoryDistance, CategoryPlaces} {
		limit := t.limits[cat]
		remaining := 0
		if limit > 0 {
			remaining = limit - t.calls[cat]
		}
		out = append(out, CategoryUsage{
			Category:  cat,
			Calls:     t.calls[cat],
			Limit:     limit,
			Remaining: remaining,
			Blocked:   t.blocked[cat],
		})
	}
	return out
}

func (t *Tracker) LogSummary() {
	for _, u := range t.Summary() {
		log.Printf("[budget] %s: calls=%d limit=%d remaining=%d blocked=%d",
			u.Category, u.Calls, u.Limit, u.Remaining, u.Blocked)
	}
}
