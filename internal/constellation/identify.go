package constellation

import (
	"fmt"

	"asterism/internal/skymap"
)

// Locator resolves the constellation containing a sky coordinate. The
// real boundary service is external; anything implementing this can
// stand in.
type Locator interface {
	ConstellationAt(ra, dec float64) (string, error)
}

// Vote tallies constellation attributions. Names keep first-seen order,
// which is what breaks ties deterministically.
type Vote struct {
	names  []string
	counts map[string]int
}

func NewVote() *Vote {
	return &Vote{counts: make(map[string]int)}
}

// Add increments the tally for name, registering it on first sight.
func (v *Vote) Add(name string) {
	if _, seen := v.counts[name]; !seen {
		v.names = append(v.names, name)
	}
	v.counts[name]++
}

// Count returns the tally for name.
func (v *Vote) Count(name string) int { return v.counts[name] }

// Names returns the tallied names in first-seen order.
func (v *Vote) Names() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Total returns the number of attributions recorded.
func (v *Vote) Total() int {
	total := 0
	for _, n := range v.counts {
		total += n
	}
	return total
}

// Counts returns a copy of the tally map for reporting.
func (v *Vote) Counts() map[string]int {
	out := make(map[string]int, len(v.counts))
	for name, n := range v.counts {
		out[name] = n
	}
	return out
}

// Leader returns the name with the highest tally. Ties go to the name
// seen first. ok is false for an empty vote.
func (v *Vote) Leader() (name string, ok bool) {
	best := -1
	for _, n := range v.names {
		if v.counts[n] > best {
			name = n
			best = v.counts[n]
			ok = true
		}
	}
	return name, ok
}

// Identify attributes a set of sky coordinates to a constellation by
// majority vote: one locator lookup and one tally increment per
// coordinate. An empty input yields an empty name and tally. Locator
// failures propagate; a partial tally accompanies the error.
func Identify(coords []skymap.Coordinate, loc Locator) (string, *Vote, error) {
	vote := NewVote()
	for _, c := range coords {
		name, err := loc.ConstellationAt(c.RA, c.Dec)
		if err != nil {
			return "", vote, fmt.Errorf("constellation lookup at (%.3f, %.3f): %w", c.RA, c.Dec, err)
		}
		vote.Add(name)
	}

	leader, ok := vote.Leader()
	if !ok {
		return "", vote, nil
	}
	return leader, vote, nil
}
