package detect

import (
	"image"
	"image/color"
	"math/rand"
)

// GenerateDemoField renders a synthetic night-sky frame with n single-point
// stars at random positions. Deterministic for a given seed, so demo runs
// and tests see the same field.
func GenerateDemoField(width, height, n int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, width, height))

	for i := 0; i < n; i++ {
		x := rng.Intn(width)
		y := rng.Intn(height)
		img.SetGray(x, y, color.Gray{Y: 255})

		// Faint bloom on the four neighbours, below any sane detection
		// threshold, so each star stays a single bright region.
		for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := x+d[0], y+d[1]
			if nx >= 0 && nx < width && ny >= 0 && ny < height {
				if img.GrayAt(nx, ny).Y < 90 {
					img.SetGray(nx, ny, color.Gray{Y: 90})
				}
			}
		}
	}

	return img
}
