// Package coords implements the time scales and solar coordinate frames used
// to place a solar-system body on a solar image: heliographic Stonyhurst (HGS),
// heliocentric-Cartesian and helioprojective (HPC).
package coords

import "math"

// AU is the astronomical unit in meters (IAU 2012).
const AU = 149597870700.0

// SpeedOfLightAUPerDay is c expressed in AU per day.
const SpeedOfLightAUPerDay = 299792458.0 * 86400.0 / AU

const (
	deg2rad    = math.Pi / 180.0
	rad2deg    = 180.0 / math.Pi
	rad2arcsec = rad2deg * 3600.0
)

// Vec3 is a Cartesian vector. Positions are in AU unless stated otherwise.
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

// Cross returns v × o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Unit returns v scaled to unit length. The zero vector is returned unchanged.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// sphericalToCartesian converts longitude/latitude in degrees and a radius.
func sphericalToCartesian(lonDeg, latDeg, r float64) Vec3 {
	lon := lonDeg * deg2rad
	lat := latDeg * deg2rad
	return Vec3{
		r * math.Cos(lat) * math.Cos(lon),
		r * math.Cos(lat) * math.Sin(lon),
		r * math.Sin(lat),
	}
}

func cartesianToSpherical(v Vec3) (lonDeg, latDeg, r float64) {
	r = v.Norm()
	if r == 0 {
		return 0, 0, 0
	}
	lonDeg = math.Atan2(v[1], v[0]) * rad2deg
	latDeg = math.Asin(v[2]/r) * rad2deg
	return lonDeg, latDeg, r
}
