package detect

import (
	"image"
	"sort"

	"asterism/internal/config"

	"github.com/disintegration/gift"
)

// Star represents a detected star at its region centroid
type Star struct {
	X, Y       float64
	Brightness float64
}

// Detector finds stars by thresholding a grayscale image and tracing
// connected bright regions. One star per region, so the output carries
// no duplicate positions.
type Detector struct {
	Threshold     uint8
	MinRegionSize int
	MaxRegionSize int
	MaxStars      int
}

// NewDetector builds a detector from configuration, applying defaults
// for unset fields.
func NewDetector(cfg config.DetectorConfig) *Detector {
	d := &Detector{
		Threshold:     200,
		MinRegionSize: 1,
		MaxRegionSize: 1000,
		MaxStars:      500,
	}
	if cfg.Threshold > 0 && cfg.Threshold <= 255 {
		d.Threshold = uint8(cfg.Threshold)
	}
	if cfg.MinRegionSize > 0 {
		d.MinRegionSize = cfg.MinRegionSize
	}
	if cfg.MaxRegionSize > 0 {
		d.MaxRegionSize = cfg.MaxRegionSize
	}
	if cfg.MaxStars > 0 {
		d.MaxStars = cfg.MaxStars
	}
	return d
}

// Detect returns the stars found in img, brightest first, capped at MaxStars.
func (d *Detector) Detect(img image.Image) []Star {
	g := gift.New(gift.Grayscale())
	b := g.Bounds(img.Bounds())
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	g.Draw(gray, img)

	width := gray.Bounds().Dx()
	height := gray.Bounds().Dy()
	pixels := gray.Pix

	var stars []Star
	visited := make([]bool, len(pixels))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*gray.Stride + x

			if pixels[idx] >= d.Threshold && !visited[idx] {
				// Found a bright region, trace its extent
				region := d.floodFill(pixels, visited, x, y, width, height, gray.Stride)

				if len(region) >= d.MinRegionSize && len(region) <= d.MaxRegionSize {
					// Intensity-weighted centroid
					sumX, sumY, sumIntensity := 0.0, 0.0, 0.0
					for _, p := range region {
						intensity := float64(pixels[p.Y*gray.Stride+p.X])
						sumX += float64(p.X) * intensity
						sumY += float64(p.Y) * intensity
						sumIntensity += intensity
					}

					if sumIntensity > 0 {
						stars = append(stars, Star{
							X:          sumX / sumIntensity,
							Y:          sumY / sumIntensity,
							Brightness: sumIntensity,
						})
					}
				}
			}
		}
	}

	// Sort stars by brightness (brightest first) and limit to top stars
	sort.Slice(stars, func(i, j int) bool {
		return stars[i].Brightness > stars[j].Brightness
	})

	if len(stars) > d.MaxStars {
		stars = stars[:d.MaxStars]
	}

	return stars
}

// floodFill traces connected pixels for star region detection
func (d *Detector) floodFill(pixels []uint8, visited []bool, startX, startY, width, height, stride int) []image.Point {
	var result []image.Point
	stack := []image.Point{{X: startX, Y: startY}}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x, y := current.X, current.Y

		if x < 0 || x >= width || y < 0 || y >= height {
			continue
		}

		idx := y*stride + x
		if visited[idx] || pixels[idx] < d.Threshold {
			continue
		}

		visited[idx] = true
		result = append(result, image.Point{X: x, Y: y})

		// Add neighbors
		stack = append(stack,
			image.Point{X: x + 1, Y: y},
			image.Point{X: x - 1, Y: y},
			image.Point{X: x, Y: y + 1},
			image.Point{X: x, Y: y - 1},
		)
	}

	return result
}
