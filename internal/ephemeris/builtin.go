package ephemeris

import (
	"fmt"
	"math"

	"transitcoords/internal/coords"
)

// Coverage of the approximate Keplerian elements (Standish, JPL).
const (
	builtinStartJD = 2378496.5 // 1800-01-01
	builtinEndJD   = 2469807.5 // 2050-01-01
)

// obliquityJ2000 is the mean obliquity of the ecliptic at J2000.0 in degrees.
const obliquityJ2000 = 23.43928

// keplerElements holds J2000 mean elements and their rates per Julian century:
// semi-major axis (AU), eccentricity, inclination, mean longitude, longitude of
// perihelion and longitude of the ascending node (degrees).
type keplerElements struct {
	a, e, i, l, peri, node                   float64
	aDot, eDot, iDot, lDot, periDot, nodeDot float64
}

// Earth uses the Earth-Moon barycenter elements.
var builtinElements = map[Body]keplerElements{
	Mercury: {0.38709927, 0.20563593, 7.00497902, 252.25032350, 77.45779628, 48.33076593,
		0.00000037, 0.00001906, -0.00594749, 149472.67411175, 0.16047689, -0.12534081},
	Venus: {0.72333566, 0.00677672, 3.39467605, 181.97909950, 131.60246718, 76.67984255,
		0.00000390, -0.00004107, -0.00078890, 58517.81538729, 0.00268329, -0.27769418},
	Earth: {1.00000261, 0.01671123, -0.00001531, 100.46457166, 102.93768193, 0.0,
		0.00000562, -0.00004392, -0.01294668, 35999.37244981, 0.32327364, 0.0},
	Mars: {1.52371034, 0.09339410, 1.84969142, -4.55343205, -23.94362959, 49.55953891,
		0.00001847, 0.00007882, -0.00813131, 19140.30268499, 0.44441088, -0.29257343},
	Jupiter: {5.20288700, 0.04838624, 1.30439695, 34.39644051, 14.72847983, 100.47390909,
		-0.00011607, -0.00013253, -0.00183714, 3034.74612775, 0.21252668, 0.20469106},
	Saturn: {9.53667594, 0.05386179, 2.48599187, 49.95424423, 92.59887831, 113.66242448,
		-0.00125060, -0.00050991, 0.00193609, 1222.49362201, -0.41897216, -0.28867794},
	Uranus: {19.18916464, 0.04725744, 0.77263783, 313.23810451, 170.95427630, 74.01692503,
		-0.00196176, -0.00004397, -0.00242939, 428.48202785, 0.40805281, 0.04240589},
	Neptune: {30.06992276, 0.00859048, 1.77004347, -55.12002969, 44.96476227, 131.78422574,
		0.00026291, 0.00005105, 0.00035372, 218.45945325, -0.32241464, -0.00508664},
}

// Builtin is an analytic dataset built on mean Keplerian elements. It needs no
// files and is accurate to tens of arcseconds for the inner planets.
type Builtin struct{}

// NewBuiltin returns the analytic dataset.
func NewBuiltin() *Builtin { return &Builtin{} }

func (*Builtin) Name() string { return BuiltinName }

func (*Builtin) Close() error { return nil }

// Coverage returns the TDB Julian Date range the elements are fitted for.
func (*Builtin) Coverage() (float64, float64) { return builtinStartJD, builtinEndJD }

// Position implements Provider.
func (*Builtin) Position(body Body, jd float64) (coords.Vec3, error) {
	el, ok := builtinElements[body]
	if !ok {
		return coords.Vec3{}, fmt.Errorf("%w: %s in %s", ErrUnsupportedBody, body, BuiltinName)
	}
	if jd < builtinStartJD || jd > builtinEndJD {
		return coords.Vec3{}, fmt.Errorf("%w: JD %.5f not in [%.1f, %.1f]", ErrOutOfRange, jd, builtinStartJD, builtinEndJD)
	}
	return eclipticToEquatorial(el.heliocentric(coords.CenturiesSinceJ2000(jd))), nil
}

// heliocentric returns the J2000 ecliptic position at T centuries past J2000.
func (el keplerElements) heliocentric(T float64) coords.Vec3 {
	a := el.a + el.aDot*T
	e := el.e + el.eDot*T
	inc := (el.i + el.iDot*T) * math.Pi / 180
	l := el.l + el.lDot*T
	peri := el.peri + el.periDot*T
	node := el.node + el.nodeDot*T

	argPeri := (peri - node) * math.Pi / 180
	nodeRad := node * math.Pi / 180
	m := normalizeDegrees(l-peri) * math.Pi / 180

	ecc := solveKepler(m, e)
	xp := a * (math.Cos(ecc) - e)
	yp := a * math.Sqrt(1-e*e) * math.Sin(ecc)

	sinW, cosW := math.Sincos(argPeri)
	sinO, cosO := math.Sincos(nodeRad)
	sinI, cosI := math.Sincos(inc)

	return coords.Vec3{
		(cosW*cosO-sinW*sinO*cosI)*xp + (-sinW*cosO-cosW*sinO*cosI)*yp,
		(cosW*sinO+sinW*cosO*cosI)*xp + (-sinW*sinO+cosW*cosO*cosI)*yp,
		sinW*sinI*xp + cosW*sinI*yp,
	}
}

// solveKepler solves E - e sin E = M by Newton iteration (radians).
func solveKepler(m, e float64) float64 {
	ecc := m + e*math.Sin(m)
	for i := 0; i < 30; i++ {
		delta := (ecc - e*math.Sin(ecc) - m) / (1 - e*math.Cos(ecc))
		ecc -= delta
		if math.Abs(delta) < 1e-14 {
			break
		}
	}
	return ecc
}

// normalizeDegrees maps an angle into [-180, 180).
func normalizeDegrees(d float64) float64 {
	d = math.Mod(d+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

func eclipticToEquatorial(v coords.Vec3) coords.Vec3 {
	sinE, cosE := math.Sincos(obliquityJ2000 * math.Pi / 180)
	return coords.Vec3{
		v[0],
		cosE*v[1] - sinE*v[2],
		sinE*v[1] + cosE*v[2],
	}
}
