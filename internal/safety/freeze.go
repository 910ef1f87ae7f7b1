package safety

import (
	"sync"
	"time"

	"github.com/lelandg/Heimdallr/internal/action"
)

// Freeze is a time-boxed period during which only a whitelisted subset of
// action kinds may execute.
type Freeze struct {
	Name         string        `json:"name"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	AllowedKinds []action.Kind `json:"allowed_actions"`
	Reason       string        `json:"reason,omitempty"`
}

// IsActive reports whether the freeze covers the given instant, inclusive of
// both bounds.
func (f *Freeze) IsActive(at time.Time) bool {
	return !at.Before(f.Start) && !at.After(f.End)
}

// Allows reports whether the kind is whitelisted during the freeze.
func (f *Freeze) Allows(k action.Kind) bool {
	for _, allowed := range f.AllowedKinds {
		if allowed == k {
			return true
		}
	}
	return false
}

// Calendar holds the configured change freezes. Overlapping freezes are
// unsupported: ActiveFreeze returns the first active freeze in insertion
// order and makes no attempt to resolve overlaps deterministically.
type Calendar struct {
	mu      sync.Mutex
	freezes []Freeze
}

// NewCalendar creates an empty freeze calendar.
func NewCalendar() *Calendar {
	return &Calendar{}
}

// Add registers a freeze. An empty allowed-kind set defaults to notify and
// escalate so operators still hear about incidents during the freeze.
func (c *Calendar) Add(f Freeze) {
	if len(f.AllowedKinds) == 0 {
		f.AllowedKinds = []action.Kind{action.KindNotify, action.KindEscalate}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freezes = append(c.freezes, f)
}

// Remove deletes a freeze by name and reports whether it was found.
func (c *Calendar) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.freezes {
		if c.freezes[i].Name == name {
			c.freezes = append(c.freezes[:i], c.freezes[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveFreeze returns a copy of the first freeze active at the given
// instant, or false when none is.
func (c *Calendar) ActiveFreeze(at time.Time) (Freeze, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.freezes {
		if c.freezes[i].IsActive(at) {
			return c.freezes[i], true
		}
	}
	return Freeze{}, false
}

// ActiveCount returns the number of freezes active at the given instant.
func (c *Calendar) ActiveCount(at time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.freezes {
		if c.freezes[i].IsActive(at) {
			n++
		}
	}
	return n
}

// List returns a snapshot of all configured freezes.
func (c *Calendar) List() []Freeze {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Freeze, len(c.freezes))
	copy(out, c.freezes)
	return out
}
