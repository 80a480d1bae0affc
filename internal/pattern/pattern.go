package pattern

import (
	"asterism/internal/detect"
)

// Point is a position in normalized image space, both axes in [0, 1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pair joins a template point with the normalized image point that
// satisfied it. Consecutive pairs give the segments to draw on overlays.
type Pair struct {
	Template Point `json:"template"`
	Image    Point `json:"image"`
}

// MatchResult reports the outcome of a pattern match. Absence of a match
// is a normal value, not an error.
type MatchResult struct {
	Matched bool   `json:"matched"`
	Name    string `json:"name,omitempty"`
	Pairs   []Pair `json:"pairs,omitempty"`
}

// Matcher is the pattern-matching strategy. Implementations must be
// total: any input yields a MatchResult, never a panic or error.
type Matcher interface {
	Name() string
	Match(stars []detect.Star, width, height int) MatchResult
}

// Template is a named ordered sequence of normalized points laying out a
// constellation's notable stars.
type Template struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// The built-in catalog. Order matters: matchers try templates in this
// order and the first hit wins.
var templates = []Template{
	{
		Name: "Orion", // Belt: three in a line
		Points: []Point{
			{0.5, 0.5}, {0.52, 0.5}, {0.54, 0.5},
		},
	},
	{
		Name: "Ursa Major", // Big Dipper: rough shape
		Points: []Point{
			{0.3, 0.3}, {0.35, 0.25}, {0.4, 0.2}, {0.45, 0.25},
			{0.5, 0.3}, {0.55, 0.35}, {0.6, 0.4},
		},
	},
	{
		Name: "Ursa Minor", // Little Dipper
		Points: []Point{
			{0.7, 0.2}, {0.72, 0.18}, {0.74, 0.15}, {0.76, 0.12},
			{0.78, 0.1}, {0.8, 0.08}, {0.82, 0.05},
		},
	},
}

// Templates returns a copy of the shape catalog. The catalog itself is
// fixed at build time and never mutated.
func Templates() []Template {
	out := make([]Template, len(templates))
	for i, t := range templates {
		pts := make([]Point, len(t.Points))
		copy(pts, t.Points)
		out[i] = Template{Name: t.Name, Points: pts}
	}
	return out
}

// SmallestTemplateSize returns the point count of the smallest catalog
// entry. Star sets below this can never match.
func SmallestTemplateSize() int {
	smallest := 0
	for _, t := range templates {
		if smallest == 0 || len(t.Points) < smallest {
			smallest = len(t.Points)
		}
	}
	return smallest
}

// normalize scales pixel positions by the image dimensions into [0, 1]
// space. Out-of-bounds stars are kept; they simply fail to match.
func normalize(stars []detect.Star, width, height int) []Point {
	norm := make([]Point, len(stars))
	for i, s := range stars {
		norm[i] = Point{
			X: s.X / float64(width),
			Y: s.Y / float64(height),
		}
	}
	return norm
}
