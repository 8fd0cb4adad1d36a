package coords

import (
	"errors"
	"math"
)

// ErrSingularWCS is returned when the linear transform has no inverse.
var ErrSingularWCS = errors.New("coords: singular WCS transform")

// WCS is the linear part of a FITS world coordinate system for a 2D image:
// world = CRVal + CDelt * PC * (pixel - CRPix). CRPix is one-based as in FITS
// headers. World values are arcseconds.
type WCS struct {
	CRPix [2]float64
	CRVal [2]float64
	CDelt [2]float64
	PC    [2][2]float64
}

// IdentityPC is the PC matrix of an unrotated image.
var IdentityPC = [2][2]float64{{1, 0}, {0, 1}}

// PCFromCROTA builds a PC matrix from the legacy CROTA2 keyword (degrees).
func PCFromCROTA(crota2 float64, cdelt [2]float64) [2][2]float64 {
	sin, cos := math.Sincos(crota2 * deg2rad)
	lam := 1.0
	if cdelt[0] != 0 {
		lam = cdelt[1] / cdelt[0]
	}
	return [2][2]float64{
		{cos, -lam * sin},
		{sin / lam, cos},
	}
}

// WorldToPixel inverts the linear transform. Results are zero-based.
func (w WCS) WorldToPixel(tx, ty float64) (float64, float64, error) {
	if w.CDelt[0] == 0 || w.CDelt[1] == 0 {
		return 0, 0, ErrSingularWCS
	}
	u := (tx - w.CRVal[0]) / w.CDelt[0]
	v := (ty - w.CRVal[1]) / w.CDelt[1]

	det := w.PC[0][0]*w.PC[1][1] - w.PC[0][1]*w.PC[1][0]
	if math.Abs(det) < 1e-15 {
		return 0, 0, ErrSingularWCS
	}
	px := (w.PC[1][1]*u - w.PC[0][1]*v) / det
	py := (-w.PC[1][0]*u + w.PC[0][0]*v) / det

	return px + w.CRPix[0] - 1, py + w.CRPix[1] - 1, nil
}

// PixelToWorld applies the forward transform to zero-based pixel coordinates.
func (w WCS) PixelToWorld(x, y float64) (tx, ty float64) {
	dx := x + 1 - w.CRPix[0]
	dy := y + 1 - w.CRPix[1]
	u := w.PC[0][0]*dx + w.PC[0][1]*dy
	v := w.PC[1][0]*dx + w.PC[1][1]*dy
	return w.CRVal[0] + w.CDelt[0]*u, w.CRVal[1] + w.CDelt[1]*v
}
