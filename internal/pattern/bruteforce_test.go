package pattern

import (
	"testing"

	"asterism/internal/config"
	"asterism/internal/detect"
)

func defaultMatcher() *BruteForceMatcher {
	return NewBruteForceMatcher(config.MatcherConfig{})
}

// starsFor scales template-space points into pixel space.
func starsFor(points []Point, width, height int) []detect.Star {
	stars := make([]detect.Star, len(points))
	for i, p := range points {
		stars[i] = detect.Star{X: p.X * float64(width), Y: p.Y * float64(height)}
	}
	return stars
}

func TestMatchOrionBeltExact(t *testing.T) {
	m := defaultMatcher()
	stars := []detect.Star{
		{X: 250, Y: 250},
		{X: 260, Y: 250},
		{X: 270, Y: 250},
	}

	res := m.Match(stars, 500, 500)
	if !res.Matched {
		t.Fatalf("expected belt to match")
	}
	if res.Name != "Orion" {
		t.Fatalf("expected Orion, got %q", res.Name)
	}
	if len(res.Pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(res.Pairs))
	}
	if res.Pairs[0].Template != (Point{0.5, 0.5}) || res.Pairs[0].Image != (Point{0.5, 0.5}) {
		t.Fatalf("unexpected first pair: %+v", res.Pairs[0])
	}
}

func TestMatchIgnoresNoiseStars(t *testing.T) {
	m := defaultMatcher()
	stars := []detect.Star{
		{X: 50, Y: 400}, // noise, nowhere near the belt
		{X: 250, Y: 250},
		{X: 260, Y: 250},
		{X: 270, Y: 250},
	}

	res := m.Match(stars, 500, 500)
	if !res.Matched || res.Name != "Orion" {
		t.Fatalf("expected Orion through the noise, got %+v", res)
	}
}

func TestMatchRejectsOffsetBeyondTolerance(t *testing.T) {
	m := defaultMatcher()
	// Third point at 0.6, a 0.06 deviation from the template's 0.54.
	stars := []detect.Star{
		{X: 250, Y: 250},
		{X: 260, Y: 250},
		{X: 300, Y: 250},
	}

	res := m.Match(stars, 500, 500)
	if res.Matched {
		t.Fatalf("deviation past tolerance must not match, got %+v", res)
	}
}

func TestMatchToleranceBoundaryIsExclusive(t *testing.T) {
	// 0.0625 and its multiples are exact in binary, so the boundary
	// comparison is not polluted by rounding.
	m := &BruteForceMatcher{Tolerance: 0.0625, MaxCombinations: 100}
	tpl := Template{Name: "probe", Points: []Point{{0.5, 0.5}}}

	if _, ok := m.matchTemplate([]Point{{0.5625, 0.5}}, tpl); ok {
		t.Fatalf("deviation equal to the tolerance must not match")
	}
	if _, ok := m.matchTemplate([]Point{{0.55859375, 0.5}}, tpl); !ok {
		t.Fatalf("deviation below the tolerance must match")
	}
}

func TestMatchFirstTemplateWins(t *testing.T) {
	m := defaultMatcher()
	// A field holding an exact Little Dipper and an exact belt. The
	// catalog tries Orion first, so Orion is the answer.
	var points []Point
	points = append(points, Templates()[2].Points...)
	points = append(points, Point{0.5, 0.5}, Point{0.52, 0.5}, Point{0.54, 0.5})
	stars := starsFor(points, 500, 500)

	res := m.Match(stars, 500, 500)
	if !res.Matched || res.Name != "Orion" {
		t.Fatalf("expected catalog order to pick Orion, got %+v", res)
	}
}

func TestMatchUrsaMajorShape(t *testing.T) {
	m := defaultMatcher()
	stars := starsFor(Templates()[1].Points, 1000, 800)

	res := m.Match(stars, 1000, 800)
	if !res.Matched {
		t.Fatalf("expected dipper shape to match")
	}
	if res.Name != "Ursa Major" {
		t.Fatalf("expected Ursa Major, got %q", res.Name)
	}
	if len(res.Pairs) != 7 {
		t.Fatalf("expected 7 pairs, got %d", len(res.Pairs))
	}
}

func TestMatchTooFewStars(t *testing.T) {
	m := defaultMatcher()
	stars := []detect.Star{{X: 250, Y: 250}, {X: 260, Y: 250}}

	if res := m.Match(stars, 500, 500); res.Matched {
		t.Fatalf("fewer stars than the smallest template cannot match")
	}
	if SmallestTemplateSize() != 3 {
		t.Fatalf("expected smallest template of 3 points, got %d", SmallestTemplateSize())
	}
}

func TestMatchBudgetAbandonsTemplate(t *testing.T) {
	// With the noise star first, the belt subset is the 4th combination
	// in lexicographic order. A budget of 3 walks past it, a budget of 4
	// reaches it.
	stars := []detect.Star{
		{X: 50, Y: 400},
		{X: 250, Y: 250},
		{X: 260, Y: 250},
		{X: 270, Y: 250},
	}

	tight := NewBruteForceMatcher(config.MatcherConfig{MaxCombinations: 3})
	if res := tight.Match(stars, 500, 500); res.Matched {
		t.Fatalf("expected exhausted budget to abandon the template")
	}

	enough := NewBruteForceMatcher(config.MatcherConfig{MaxCombinations: 4})
	if res := enough.Match(stars, 500, 500); !res.Matched || res.Name != "Orion" {
		t.Fatalf("expected budget of 4 to reach the belt, got %+v", res)
	}
}

func TestMatchEmptyAndDegenerateInput(t *testing.T) {
	m := defaultMatcher()
	if res := m.Match(nil, 500, 500); res.Matched {
		t.Fatalf("no stars must not match")
	}
	if res := m.Match([]detect.Star{{X: 1, Y: 1}}, 0, 500); res.Matched {
		t.Fatalf("degenerate width must not match")
	}
}

func TestTemplatesCatalog(t *testing.T) {
	tpls := Templates()
	if len(tpls) != 3 {
		t.Fatalf("expected 3 catalog templates, got %d", len(tpls))
	}
	wantSizes := map[string]int{"Orion": 3, "Ursa Major": 7, "Ursa Minor": 7}
	for _, tpl := range tpls {
		if wantSizes[tpl.Name] != len(tpl.Points) {
			t.Fatalf("template %q has %d points", tpl.Name, len(tpl.Points))
		}
	}

	// Mutating the returned copy must not corrupt the catalog.
	tpls[0].Points[0] = Point{9, 9}
	if Templates()[0].Points[0] != (Point{0.5, 0.5}) {
		t.Fatalf("catalog was mutated through the returned copy")
	}
}

type stubStrategy struct{ name string }

func (s stubStrategy) Name() string { return s.name }
func (s stubStrategy) Match(stars []detect.Star, width, height int) MatchResult {
	return MatchResult{Matched: true, Name: "stubbed"}
}

func TestRegistrySelection(t *testing.T) {
	reg := NewRegistry(config.MatcherConfig{})
	if m := reg.Select(); m == nil || m.Name() != "brute-force" {
		t.Fatalf("expected brute-force default, got %v", m)
	}

	reg = NewRegistry(config.MatcherConfig{Strategy: "does-not-exist"})
	if m := reg.Select(); m == nil || m.Name() != "brute-force" {
		t.Fatalf("unknown strategy should fall back to the first registered")
	}

	reg = NewRegistry(config.MatcherConfig{Strategy: "kd-tree"})
	reg.Register(stubStrategy{name: "kd-tree"})
	if m := reg.Select(); m.Name() != "kd-tree" {
		t.Fatalf("expected configured strategy, got %q", m.Name())
	}
	names := reg.Matchers()
	if len(names) != 2 || names[0] != "brute-force" || names[1] != "kd-tree" {
		t.Fatalf("unexpected registration order: %v", names)
	}
}
