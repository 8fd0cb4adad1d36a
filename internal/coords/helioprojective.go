package coords

import (
	"fmt"
	"math"
	"time"
)

// HPC is a helioprojective position: angular offsets from disk center in
// arcseconds, Tx positive toward solar west and Ty toward solar north.
// Distance is the observer-to-point distance in AU.
type HPC struct {
	Tx       float64 `json:"tx"`
	Ty       float64 `json:"ty"`
	Distance float64 `json:"distance"`
}

func (p HPC) String() string {
	return fmt.Sprintf("HPC(Tx=%.2f\", Ty=%.2f\", d=%.6f AU)", p.Tx, p.Ty, p.Distance)
}

// Frame is the native projected frame of one image: the helioprojective frame
// of its observer at its observation time, plus its pixel mapping.
type Frame struct {
	Observer HGS
	ObsTime  time.Time
	// RSun is the photospheric radius assumed by the image, in meters.
	RSun float64
	WCS  WCS
}

// Project transforms an HGS position into this frame. The point passes through
// heliocentric-Cartesian coordinates whose Z axis points at the observer and
// whose Y axis lies in the plane of the solar rotation axis.
func (f Frame) Project(p HGS) HPC {
	lon := f.Observer.Lon * deg2rad
	lat := f.Observer.Lat * deg2rad
	sinL, cosL := math.Sincos(lon)
	sinB, cosB := math.Sincos(lat)

	xAxis := Vec3{-sinL, cosL, 0}
	yAxis := Vec3{-sinB * cosL, -sinB * sinL, cosB}
	zAxis := Vec3{cosB * cosL, cosB * sinL, sinB}

	v := p.Cartesian()
	x, y, z := v.Dot(xAxis), v.Dot(yAxis), v.Dot(zAxis)

	dz := f.Observer.Radius - z
	dist := math.Sqrt(x*x + y*y + dz*dz)
	if dist == 0 {
		return HPC{}
	}
	return HPC{
		Tx:       math.Atan2(x, dz) * rad2arcsec,
		Ty:       math.Asin(y/dist) * rad2arcsec,
		Distance: dist,
	}
}

// WorldToPixel maps an HPC position onto zero-based pixel coordinates.
func (f Frame) WorldToPixel(p HPC) (x, y float64, err error) {
	return f.WCS.WorldToPixel(p.Tx, p.Ty)
}
