// Package fitsimage decodes solar FITS images into the metadata needed to
// place a body on them: observation time, observer location and projection.
package fitsimage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/astrogo/fitsio"

	"transitcoords/internal/coords"
)

// ErrDecode marks every failure to turn a file into a Record.
var ErrDecode = errors.New("fitsimage: cannot decode image")

// defaultRSun is the IAU 2015 nominal solar radius in meters.
const defaultRSun = 695700000.0

// dateLayout renders observation times the way ISO-8601 "isot" strings do.
const dateLayout = "2006-01-02T15:04:05.000"

// DecodeError reports the file that could not be decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

// Unwrap exposes both ErrDecode and the cause to errors.Is/As.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Record is the decoded view of one image. It is not retained across files.
type Record struct {
	Path       string
	Date       time.Time
	Observer   coords.HGS
	Frame      coords.Frame
	Telescope  string
	Instrument string
	Wavelength float64
}

// DateString returns the observation time as YYYY-MM-DDTHH:MM:SS.sss (UTC).
func (r *Record) DateString() string {
	return r.Date.UTC().Format(dateLayout)
}

// Decode opens and decodes the file at path.
func Decode(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()
	return DecodeReader(f, path)
}

// DecodeReader decodes a FITS stream. name is used in errors and Record.Path.
func DecodeReader(r io.Reader, name string) (*Record, error) {
	fit, err := fitsio.Open(r)
	if err != nil {
		return nil, &DecodeError{Path: name, Err: err}
	}
	defer fit.Close()

	rec, err := FromHeader(mergeHeaders(fit.HDUs()))
	if err != nil {
		return nil, &DecodeError{Path: name, Err: err}
	}
	rec.Path = name
	return rec, nil
}

// FromHeader builds a Record from already-parsed keywords.
func FromHeader(h Header) (*Record, error) {
	date, err := observationTime(h)
	if err != nil {
		return nil, err
	}
	observer, err := observerLocation(h)
	if err != nil {
		return nil, err
	}
	wcs, err := linearWCS(h)
	if err != nil {
		return nil, err
	}
	rsun, err := h.FloatOr(defaultRSun, "RSUN_REF")
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Date:     date,
		Observer: observer,
		Frame: coords.Frame{
			Observer: observer,
			ObsTime:  date,
			RSun:     rsun,
			WCS:      wcs,
		},
	}
	rec.Telescope, _ = h.String("TELESCOP")
	rec.Instrument, _ = h.String("INSTRUME")
	if wl, ok, err := h.Float("WAVELNTH"); err == nil && ok {
		rec.Wavelength = wl
	}
	return rec, nil
}

func observationTime(h Header) (time.Time, error) {
	raw, ok := h.String("DATE-OBS", "DATE_OBS", "DATE-BEG", "T_OBS")
	if !ok || raw == "" {
		return time.Time{}, errors.New("no observation time keyword (DATE-OBS)")
	}
	// Old-style headers split the date and time of day.
	if !strings.ContainsAny(raw, "T ") {
		if tod, ok := h.String("TIME-OBS"); ok && tod != "" {
			raw = raw + "T" + tod
		}
	}
	return ParseDate(raw)
}

// ParseDate parses the ISO-8601 variants found in solar FITS headers. Values
// are UTC; a trailing Z is accepted and any fraction of a second is kept.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "Z")
	s = strings.Replace(s, " ", "T", 1)

	layouts := []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func observerLocation(h Header) (coords.HGS, error) {
	dsun, ok, err := h.Float("DSUN_OBS")
	if err != nil {
		return coords.HGS{}, err
	}
	if !ok || dsun <= 0 {
		return coords.HGS{}, errors.New("no observer distance keyword (DSUN_OBS)")
	}
	lat, ok, err := h.Float("HGLT_OBS", "SOLAR_B0", "CRLT_OBS")
	if err != nil {
		return coords.HGS{}, err
	}
	if !ok {
		return coords.HGS{}, errors.New("no observer latitude keyword (HGLT_OBS)")
	}
	// Earth-based instruments may omit HGLN_OBS; Earth sits at longitude 0.
	lon, err := h.FloatOr(0, "HGLN_OBS")
	if err != nil {
		return coords.HGS{}, err
	}
	return coords.HGS{Lon: lon, Lat: lat, Radius: dsun / coords.AU}, nil
}

func linearWCS(h Header) (coords.WCS, error) {
	var w coords.WCS
	var err error
	for i, axis := range []string{"1", "2"} {
		if w.CRPix[i], err = h.FloatOr(0, "CRPIX"+axis); err != nil {
			return w, err
		}
		if w.CRVal[i], err = h.FloatOr(0, "CRVAL"+axis); err != nil {
			return w, err
		}
		if w.CDelt[i], err = h.FloatOr(1, "CDELT"+axis); err != nil {
			return w, err
		}
		unit, _ := h.String("CUNIT" + axis)
		if scale := arcsecPerUnit(unit); scale != 1 {
			w.CRVal[i] *= scale
			w.CDelt[i] *= scale
		}
	}

	switch {
	case h.Has("PC1_1", "PC1_2", "PC2_1", "PC2_2"):
		for i, row := range []string{"1", "2"} {
			for j, col := range []string{"1", "2"} {
				def := 0.0
				if i == j {
					def = 1
				}
				if w.PC[i][j], err = h.FloatOr(def, "PC"+row+"_"+col); err != nil {
					return w, err
				}
			}
		}
	case h.Has("CROTA2"):
		crota, err := h.FloatOr(0, "CROTA2")
		if err != nil {
			return w, err
		}
		w.PC = coords.PCFromCROTA(crota, w.CDelt)
	default:
		w.PC = coords.IdentityPC
	}
	return w, nil
}

func arcsecPerUnit(unit string) float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "deg":
		return 3600
	case "arcmin":
		return 60
	case "mas":
		return 1e-3
	default:
		return 1
	}
}
