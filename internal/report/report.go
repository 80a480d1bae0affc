package report

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"asterism/internal/detect"
	"asterism/internal/pattern"
)

// RunSummary is the JSON report written next to each processed image.
type RunSummary struct {
	JobID         string         `json:"job_id"`
	Image         string         `json:"image"`
	Width         int            `json:"width"`
	Height        int            `json:"height"`
	Stars         int            `json:"stars"`
	Method        string         `json:"method"` // solver, pattern, none
	Constellation string         `json:"constellation"`
	Votes         map[string]int `json:"votes,omitempty"`
	Pairs         []pattern.Pair `json:"matched_pairs,omitempty"`
	SolveFailure  string         `json:"solve_failure,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// Paths names the files one report run produced.
type Paths struct {
	Overlay string `json:"overlay"`
	Summary string `json:"summary"`
}

// OutputSuffix is appended to the report stem for both generated files.
// Consumers that watch directories use it to recognize our own output.
const OutputSuffix = "_constellations"

var (
	starColor = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	lineColor = color.RGBA{R: 40, G: 80, B: 220, A: 255}
)

// Writer renders the detection overlay and writes the JSON summary.
type Writer struct{}

// BasePath derives the default report stem for an input image: the image
// path with its extension dropped.
func BasePath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext)
}

// Write produces "<base>_constellations.png" and
// "<base>_constellations.json". Detected stars get crosshair marks and
// consecutive matched pattern points are joined by segments, mirroring
// what the summary records.
func (Writer) Write(img image.Image, stars []detect.Star, sum RunSummary, basePath string) (Paths, error) {
	paths := Paths{
		Overlay: basePath + OutputSuffix + ".png",
		Summary: basePath + OutputSuffix + ".json",
	}

	overlay := renderOverlay(img, stars, sum.Pairs, sum.Width, sum.Height)
	if err := WritePNG(paths.Overlay, overlay); err != nil {
		return Paths{}, fmt.Errorf("write overlay: %w", err)
	}

	sum.GeneratedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return Paths{}, err
	}
	if err := writeAtomic(paths.Summary, append(data, '\n')); err != nil {
		return Paths{}, fmt.Errorf("write summary: %w", err)
	}

	return paths, nil
}

func renderOverlay(img image.Image, stars []detect.Star, pairs []pattern.Pair, width, height int) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	for _, s := range stars {
		drawCrosshair(dst, int(math.Round(s.X)), int(math.Round(s.Y)))
	}

	// Matched points live in normalized space; scale back to pixels.
	for i := 1; i < len(pairs); i++ {
		x1 := int(math.Round(pairs[i-1].Image.X * float64(width)))
		y1 := int(math.Round(pairs[i-1].Image.Y * float64(height)))
		x2 := int(math.Round(pairs[i].Image.X * float64(width)))
		y2 := int(math.Round(pairs[i].Image.Y * float64(height)))
		drawLine(dst, x1, y1, x2, y2)
	}

	return dst
}

func drawCrosshair(dst *image.RGBA, x, y int) {
	const arm = 3
	for d := -arm; d <= arm; d++ {
		setPixel(dst, x+d, y, starColor)
		setPixel(dst, x, y+d, starColor)
	}
}

// drawLine rasterizes a segment with the integer Bresenham walk.
func drawLine(dst *image.RGBA, x1, y1, x2, y2 int) {
	dx := abs(x2 - x1)
	dy := -abs(y2 - y1)
	sx := 1
	if x1 > x2 {
		sx = -1
	}
	sy := 1
	if y1 > y2 {
		sy = -1
	}
	err := dx + dy

	for {
		setPixel(dst, x1, y1, lineColor)
		if x1 == x2 && y1 == y2 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x1 += sx
		}
		if e2 <= dx {
			err += dx
			y1 += sy
		}
	}
}

func setPixel(dst *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(dst.Bounds()) {
		dst.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// WritePNG encodes img to path atomically.
func WritePNG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".asterism-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".asterism-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
