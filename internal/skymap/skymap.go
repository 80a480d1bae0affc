package skymap

import (
	"fmt"
	"math"

	"asterism/internal/astrometry"
	"asterism/internal/detect"
)

// MaxMappableDec bounds the transform away from the celestial poles,
// where the RA offset divisor cos(dec) collapses toward zero.
const MaxMappableDec = 89.9

// Coordinate locates a point on the celestial sphere in degrees.
// RA is wrapped into [0, 360), Dec into [-90, 90].
type Coordinate struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// OutOfRangeError reports a field center too close to a pole for the
// flat-field transform to stay numerically sane.
type OutOfRangeError struct {
	CenterDec float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("field center dec %.4f beyond ±%.1f: transform unstable near the pole", e.CenterDec, MaxMappableDec)
}

// Map converts detected star positions to sky coordinates using a flat
// small-field tangent approximation:
//
//	raOffset  = (x - width/2)  * scaleDeg / cos(centerDec)
//	decOffset = (y - height/2) * scaleDeg
//
// with scaleDeg the pixel scale in degrees. The approximation holds only
// near the image center for small fields of view; there is no correction
// for field curvature. The output is order-preserving, one coordinate
// per input star. Fields centered within 0.1 degrees of a pole are
// rejected with OutOfRangeError rather than clamped.
func Map(stars []detect.Star, calib astrometry.Calibration, width, height int) ([]Coordinate, error) {
	if math.Abs(calib.CenterDec) > MaxMappableDec {
		return nil, &OutOfRangeError{CenterDec: calib.CenterDec}
	}

	scaleDeg := calib.PixelScaleArcsec / 3600
	cosDec := math.Cos(calib.CenterDec * math.Pi / 180)

	coords := make([]Coordinate, 0, len(stars))
	for _, s := range stars {
		raOffset := (s.X - float64(width)/2) * scaleDeg / cosDec
		decOffset := (s.Y - float64(height)/2) * scaleDeg

		coords = append(coords, Coordinate{
			RA:  wrapRA(calib.CenterRA + raOffset),
			Dec: clampDec(calib.CenterDec + decOffset),
		})
	}

	return coords, nil
}

// wrapRA normalizes a right ascension into [0, 360).
func wrapRA(deg float64) float64 {
	wrapped := math.Mod(deg, 360)
	if wrapped < 0 {
		wrapped += 360
	}
	return wrapped
}

// clampDec keeps a declination inside [-90, 90].
func clampDec(deg float64) float64 {
	if deg > 90 {
		return 90
	}
	if deg < -90 {
		return -90
	}
	return deg
}
