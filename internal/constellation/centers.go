package constellation

import (
	"errors"
	"math"
)

// NearestCenterLocator attributes a coordinate to the closest listed
// constellation center by angular separation. It knows nothing about the
// true IAU boundary polygons, so attribution is approximate and limited
// to the notable constellations below. Good enough for wide demo fields;
// swap in a boundary-table locator for survey work.
type NearestCenterLocator struct{}

type center struct {
	name string
	ra   float64 // degrees
	dec  float64 // degrees
}

// Approximate J2000 midpoints of well-known constellations.
var centers = []center{
	{"Andromeda", 10, 38},
	{"Aquarius", 335, -10},
	{"Aquila", 295, 3},
	{"Aries", 39, 20},
	{"Auriga", 90, 42},
	{"Boötes", 219, 31},
	{"Cancer", 130, 20},
	{"Canis Major", 103, -22},
	{"Canis Minor", 115, 6},
	{"Capricornus", 315, -18},
	{"Cassiopeia", 15, 62},
	{"Centaurus", 195, -47},
	{"Cepheus", 330, 71},
	{"Cetus", 25, -7},
	{"Corona Borealis", 237, 33},
	{"Crux", 187, -60},
	{"Cygnus", 309, 45},
	{"Draco", 257, 67},
	{"Eridanus", 45, -20},
	{"Gemini", 105, 22},
	{"Hercules", 255, 27},
	{"Hydra", 165, -20},
	{"Leo", 160, 13},
	{"Libra", 228, -15},
	{"Lyra", 283, 37},
	{"Ophiuchus", 257, -6},
	{"Orion", 83, 1},
	{"Pegasus", 340, 19},
	{"Perseus", 52, 45},
	{"Pisces", 12, 13},
	{"Sagittarius", 285, -29},
	{"Scorpius", 253, -27},
	{"Taurus", 70, 16},
	{"Ursa Major", 170, 51},
	{"Ursa Minor", 225, 78},
	{"Virgo", 200, -4},
}

// ConstellationAt returns the nearest listed center. Never fails for a
// finite coordinate.
func (NearestCenterLocator) ConstellationAt(ra, dec float64) (string, error) {
	best := ""
	bestSep := math.Inf(1)
	for _, c := range centers {
		sep := angularSeparation(ra, dec, c.ra, c.dec)
		if sep < bestSep {
			best = c.name
			bestSep = sep
		}
	}
	if best == "" {
		return "", errors.New("empty constellation table")
	}
	return best, nil
}

// angularSeparation returns the great-circle distance between two sky
// coordinates in degrees, via the haversine formula. A flat difference
// would misplace anything near a pole, where RA degrees shrink.
func angularSeparation(ra1, dec1, ra2, dec2 float64) float64 {
	const rad = math.Pi / 180

	dRA := (ra2 - ra1) * rad
	dDec := (dec2 - dec1) * rad

	a := math.Sin(dDec/2)*math.Sin(dDec/2) +
		math.Cos(dec1*rad)*math.Cos(dec2*rad)*math.Sin(dRA/2)*math.Sin(dRA/2)
	if a > 1 {
		a = 1
	}

	return 2 * math.Asin(math.Sqrt(a)) / rad
}
