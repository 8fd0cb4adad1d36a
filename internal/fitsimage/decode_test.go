package fitsimage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitcoords/internal/coords"
)

type card struct {
	key   string
	value any
}

// fitsBytes renders a header-only primary HDU in fixed format.
func fitsBytes(cards ...card) []byte {
	var buf bytes.Buffer
	write := func(s string) {
		buf.WriteString(fmt.Sprintf("%-80s", s))
	}
	write(fmt.Sprintf("%-8s= %20s", "SIMPLE", "T"))
	write(fmt.Sprintf("%-8s= %20d", "BITPIX", 8))
	write(fmt.Sprintf("%-8s= %20d", "NAXIS", 0))
	for _, c := range cards {
		switch v := c.value.(type) {
		case string:
			write(fmt.Sprintf("%-8s= '%-8s'", c.key, v))
		case int:
			write(fmt.Sprintf("%-8s= %20d", c.key, v))
		case float64:
			write(fmt.Sprintf("%-8s= %20s", c.key, strings.ToUpper(fmt.Sprintf("%G", v))))
		}
	}
	write("END")
	for buf.Len()%2880 != 0 {
		buf.WriteByte(' ')
	}
	return buf.Bytes()
}

func aiaCards() []card {
	return []card{
		{"TELESCOP", "SDO/AIA"},
		{"INSTRUME", "AIA_3"},
		{"WAVELNTH", 193},
		{"DATE-OBS", "2012-06-05T22:09:45.34"},
		{"DSUN_OBS", 1.51839e11},
		{"HGLT_OBS", -0.04},
		{"HGLN_OBS", 0.0},
		{"CRPIX1", 2048.5},
		{"CRPIX2", 2048.5},
		{"CDELT1", 0.6},
		{"CDELT2", 0.6},
		{"CUNIT1", "arcsec"},
		{"CUNIT2", "arcsec"},
		{"CROTA2", 0.0},
		{"RSUN_REF", 696000000.0},
	}
}

func TestDecodeReaderParsesHeader(t *testing.T) {
	rec, err := DecodeReader(bytes.NewReader(fitsBytes(aiaCards()...)), "aia.fits")
	require.NoError(t, err)

	assert.Equal(t, "aia.fits", rec.Path)
	assert.Equal(t, "2012-06-05T22:09:45.340", rec.DateString())
	assert.Equal(t, "SDO/AIA", rec.Telescope)
	assert.Equal(t, "AIA_3", rec.Instrument)
	assert.InDelta(t, 193, rec.Wavelength, 1e-9)
	assert.InDelta(t, -0.04, rec.Observer.Lat, 1e-12)
	assert.InDelta(t, 0, rec.Observer.Lon, 1e-12)
	assert.InDelta(t, 1.51839e11/coords.AU, rec.Observer.Radius, 1e-9)
	assert.InDelta(t, 696000000, rec.Frame.RSun, 1e-3)
	assert.Equal(t, rec.Observer, rec.Frame.Observer)
	assert.True(t, rec.Frame.ObsTime.Equal(rec.Date))
	assert.Equal(t, [2]float64{2048.5, 2048.5}, rec.Frame.WCS.CRPix)
	assert.Equal(t, [2]float64{0.6, 0.6}, rec.Frame.WCS.CDelt)
}

func TestDecodeFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.fits")
	require.NoError(t, os.WriteFile(path, fitsBytes(aiaCards()...), 0o644))

	rec, err := Decode(path)
	require.NoError(t, err)
	assert.Equal(t, path, rec.Path)
	assert.Equal(t, time.Date(2012, 6, 5, 22, 9, 45, 340000000, time.UTC), rec.Date)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(filepath.Join(t.TempDir(), "missing.fits"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = DecodeReader(strings.NewReader("definitely not a FITS file"), "junk.fits")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "junk.fits", de.Path)
}

func TestDecodeMissingDate(t *testing.T) {
	var cards []card
	for _, c := range aiaCards() {
		if c.key != "DATE-OBS" {
			cards = append(cards, c)
		}
	}
	_, err := DecodeReader(bytes.NewReader(fitsBytes(cards...)), "nodate.fits")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "DATE-OBS")
}

func TestFromHeaderObserverKeywords(t *testing.T) {
	base := func() Header {
		return Header{"DATE-OBS": "2012-06-05T22:09:45", "DSUN_OBS": 1.5e11, "HGLT_OBS": 0.5}
	}

	rec, err := FromHeader(base())
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Observer.Lon)
	assert.Equal(t, defaultRSun, rec.Frame.RSun)
	assert.Equal(t, coords.IdentityPC, rec.Frame.WCS.PC)

	h := base()
	delete(h, "DSUN_OBS")
	_, err = FromHeader(h)
	assert.ErrorContains(t, err, "DSUN_OBS")

	h = base()
	delete(h, "HGLT_OBS")
	_, err = FromHeader(h)
	assert.ErrorContains(t, err, "HGLT_OBS")

	h = base()
	h["HGLT_OBS"] = "north"
	_, err = FromHeader(h)
	assert.ErrorContains(t, err, "HGLT_OBS")
}

func TestFromHeaderWCS(t *testing.T) {
	h := Header{
		"DATE-OBS": "2012-06-05T22:09:45", "DSUN_OBS": 1.5e11, "HGLT_OBS": 0.0,
		"CDELT1": 1.0 / 3600, "CDELT2": 1.0 / 3600, "CUNIT1": "deg", "CUNIT2": "deg",
		"PC1_1": 0.0, "PC1_2": -1.0, "PC2_1": 1.0,
	}
	rec, err := FromHeader(h)
	require.NoError(t, err)
	assert.InDelta(t, 1, rec.Frame.WCS.CDelt[0], 1e-12)
	assert.InDelta(t, 1, rec.Frame.WCS.CDelt[1], 1e-12)
	assert.Equal(t, [2][2]float64{{0, -1}, {1, 1}}, rec.Frame.WCS.PC)

	h = Header{
		"DATE-OBS": "2012-06-05T22:09:45", "DSUN_OBS": 1.5e11, "HGLT_OBS": 0.0,
		"CDELT1": 0.6, "CDELT2": 0.6, "CROTA2": 90,
	}
	rec, err = FromHeader(h)
	require.NoError(t, err)
	assert.Equal(t, coords.PCFromCROTA(90, [2]float64{0.6, 0.6}), rec.Frame.WCS.PC)
}

func TestParseDate(t *testing.T) {
	cases := map[string]time.Time{
		"2012-06-05T22:09:45.34":    time.Date(2012, 6, 5, 22, 9, 45, 340000000, time.UTC),
		"2012-06-05T22:09:45.34Z":   time.Date(2012, 6, 5, 22, 9, 45, 340000000, time.UTC),
		"2012-06-05 22:09:45":       time.Date(2012, 6, 5, 22, 9, 45, 0, time.UTC),
		"2012-06-05T22:09":          time.Date(2012, 6, 5, 22, 9, 0, 0, time.UTC),
		"  2012-06-05  ":            time.Date(2012, 6, 5, 0, 0, 0, 0, time.UTC),
		"2012-06-05T23:59:59.99999": time.Date(2012, 6, 5, 23, 59, 59, 999990000, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}

	_, err := ParseDate("05/06/2012")
	assert.Error(t, err)
}

func TestSplitDateAndTime(t *testing.T) {
	rec, err := FromHeader(Header{
		"DATE-OBS": "2012-06-05", "TIME-OBS": "22:09:45.5",
		"DSUN_OBS": 1.5e11, "HGLT_OBS": 0.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "2012-06-05T22:09:45.500", rec.DateString())
}

func TestDateStringTruncatesToMilliseconds(t *testing.T) {
	rec := &Record{Date: time.Date(2012, 6, 5, 22, 9, 45, 999900000, time.UTC)}
	assert.Equal(t, "2012-06-05T22:09:45.999", rec.DateString())
}

func TestToFloat(t *testing.T) {
	for _, v := range []any{2, int64(2), int32(2), float32(2), 2.0, " 2.0 ", "0.2D1"} {
		f, err := toFloat(v)
		require.NoError(t, err, "%#v", v)
		assert.Equal(t, 2.0, f)
	}
	_, err := toFloat(true)
	assert.Error(t, err)
}
