package pattern

import (
	"math"

	"asterism/internal/config"
	"asterism/internal/detect"
)

const (
	defaultTolerance   = 0.05
	defaultCombination = 2000000
)

// BruteForceMatcher tests every C(n, k) order-preserving subset of the
// normalized stars against each template, accepting a subset when every
// paired point sits within the per-axis tolerance window.
//
// Enumeration cost explodes combinatorially with the star count and the
// 7-point templates, so this strategy is for reference and demo scale
// only; a production-scale matcher should use geometric hashing or a
// nearest-neighbour index behind the same Matcher interface. The subset
// budget keeps dense fields from stalling the pipeline: once a template
// burns through the budget it is abandoned.
type BruteForceMatcher struct {
	Tolerance       float64
	MaxCombinations int
}

// NewBruteForceMatcher builds the default matcher from configuration.
func NewBruteForceMatcher(cfg config.MatcherConfig) *BruteForceMatcher {
	m := &BruteForceMatcher{
		Tolerance:       defaultTolerance,
		MaxCombinations: defaultCombination,
	}
	if cfg.Tolerance > 0 {
		m.Tolerance = cfg.Tolerance
	}
	if cfg.MaxCombinations > 0 {
		m.MaxCombinations = cfg.MaxCombinations
	}
	return m
}

func (m *BruteForceMatcher) Name() string { return "brute-force" }

// Match normalizes the stars and tries each catalog template in order,
// returning on the first matching subset. Never fails: no match is the
// NoMatch zero value.
func (m *BruteForceMatcher) Match(stars []detect.Star, width, height int) MatchResult {
	if len(stars) == 0 || width <= 0 || height <= 0 {
		return MatchResult{}
	}

	norm := normalize(stars, width, height)

	for _, tpl := range templates {
		if pairs, ok := m.matchTemplate(norm, tpl); ok {
			return MatchResult{Matched: true, Name: tpl.Name, Pairs: pairs}
		}
	}

	return MatchResult{}
}

// matchTemplate enumerates k-subsets of norm in natural order and tests
// each against the template's point sequence.
func (m *BruteForceMatcher) matchTemplate(norm []Point, tpl Template) ([]Pair, bool) {
	k := len(tpl.Points)
	n := len(norm)
	if n < k || k == 0 {
		return nil, false
	}

	// idx holds the current combination, initially {0, 1, ..., k-1}.
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}

	budget := m.MaxCombinations
	for {
		if m.subsetMatches(norm, idx, tpl) {
			pairs := make([]Pair, k)
			for j, i := range idx {
				pairs[j] = Pair{Template: tpl.Points[j], Image: norm[i]}
			}
			return pairs, true
		}

		budget--
		if budget <= 0 {
			return nil, false
		}

		// Advance to the next combination in lexicographic order.
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return nil, false
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// subsetMatches requires every paired point within the tolerance window
// on both axes simultaneously. Strict inequality: deviation equal to the
// tolerance does not match.
func (m *BruteForceMatcher) subsetMatches(norm []Point, idx []int, tpl Template) bool {
	for j, i := range idx {
		if math.Abs(norm[i].X-tpl.Points[j].X) >= m.Tolerance {
			return false
		}
		if math.Abs(norm[i].Y-tpl.Points[j].Y) >= m.Tolerance {
			return false
		}
	}
	return true
}
