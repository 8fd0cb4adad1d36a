package coords

import "fmt"

// Solar rotation axis in ICRS (IAU, Carrington elements).
const (
	sunPoleRADeg  = 286.13
	sunPoleDecDeg = 63.87
)

// HGS is a heliographic Stonyhurst position: longitude and latitude in degrees,
// radius in AU measured from Sun center.
type HGS struct {
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Radius float64 `json:"radius"`
}

// Cartesian returns the position in the HGS Cartesian axes.
func (h HGS) Cartesian() Vec3 {
	return sphericalToCartesian(h.Lon, h.Lat, h.Radius)
}

func (h HGS) String() string {
	return fmt.Sprintf("HGS(lon=%.4f°, lat=%.4f°, r=%.6f AU)", h.Lon, h.Lat, h.Radius)
}

// HGSFromCartesian converts HGS Cartesian axes back to spherical form.
func HGSFromCartesian(v Vec3) HGS {
	lon, lat, r := cartesianToSpherical(v)
	return HGS{Lon: lon, Lat: lat, Radius: r}
}

// SunPole returns the unit vector of the solar rotation axis in ICRS axes.
func SunPole() Vec3 {
	return sphericalToCartesian(sunPoleRADeg, sunPoleDecDeg, 1)
}

// Basis is an orthonormal set of axes expressed in ICRS axes. Rows are the
// X, Y and Z unit vectors of the target frame.
type Basis [3]Vec3

// StonyhurstBasis builds the HGS axes for an instant from Earth's heliocentric
// ICRS position at that instant. Z is the solar rotation axis and X points at
// Earth's projection onto the solar equator.
func StonyhurstBasis(earthHelio Vec3) (Basis, error) {
	z := SunPole()
	x := earthHelio.Sub(z.Scale(earthHelio.Dot(z)))
	if x.Norm() < 1e-12 {
		return Basis{}, fmt.Errorf("earth position %v is degenerate for a Stonyhurst basis", earthHelio)
	}
	x = x.Unit()
	y := z.Cross(x)
	return Basis{x, y, z}, nil
}

// ToFrame rotates an ICRS-axes vector into the basis axes.
func (b Basis) ToFrame(v Vec3) Vec3 {
	return Vec3{b[0].Dot(v), b[1].Dot(v), b[2].Dot(v)}
}

// FromFrame rotates a vector in the basis axes back to ICRS axes.
func (b Basis) FromFrame(v Vec3) Vec3 {
	return b[0].Scale(v[0]).Add(b[1].Scale(v[1])).Add(b[2].Scale(v[2]))
}
