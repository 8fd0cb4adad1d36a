package coords

import (
	"math"
	"time"
)

// j2000 is the Julian Date of the J2000.0 epoch.
const j2000 = 2451545.0

// unixEpochJD is the Julian Date of 1970-01-01T00:00:00.
const unixEpochJD = 2440587.5

// ttMinusTAI is the constant offset TT - TAI in seconds.
const ttMinusTAI = 32.184

// leapSeconds lists TAI-UTC in effect from each date onward.
var leapSeconds = []struct {
	since  time.Time
	taiUTC float64
}{
	{date(1972, 1, 1), 10},
	{date(1972, 7, 1), 11},
	{date(1973, 1, 1), 12},
	{date(1974, 1, 1), 13},
	{date(1975, 1, 1), 14},
	{date(1976, 1, 1), 15},
	{date(1977, 1, 1), 16},
	{date(1978, 1, 1), 17},
	{date(1979, 1, 1), 18},
	{date(1980, 1, 1), 19},
	{date(1981, 7, 1), 20},
	{date(1982, 7, 1), 21},
	{date(1983, 7, 1), 22},
	{date(1985, 7, 1), 23},
	{date(1988, 1, 1), 24},
	{date(1990, 1, 1), 25},
	{date(1991, 1, 1), 26},
	{date(1992, 7, 1), 27},
	{date(1993, 7, 1), 28},
	{date(1994, 7, 1), 29},
	{date(1996, 1, 1), 30},
	{date(1997, 7, 1), 31},
	{date(1999, 1, 1), 32},
	{date(2006, 1, 1), 33},
	{date(2009, 1, 1), 34},
	{date(2012, 7, 1), 35},
	{date(2015, 7, 1), 36},
	{date(2017, 1, 1), 37},
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// JulianDate converts t to a Julian Date on the same time scale as t.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	sec := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	return unixEpochJD + sec/86400.0
}

// TAIMinusUTC returns the accumulated leap seconds at the UTC instant t.
// Instants before 1972 use the initial 10 s offset.
func TAIMinusUTC(t time.Time) float64 {
	t = t.UTC()
	offset := leapSeconds[0].taiUTC
	for _, ls := range leapSeconds {
		if t.Before(ls.since) {
			break
		}
		offset = ls.taiUTC
	}
	return offset
}

// TTMinusUTC returns TT - UTC in seconds at the UTC instant t.
func TTMinusUTC(t time.Time) float64 {
	return TAIMinusUTC(t) + ttMinusTAI
}

// JulianDateTT returns the Terrestrial Time Julian Date for the UTC instant t.
func JulianDateTT(t time.Time) float64 {
	return JulianDate(t) + TTMinusUTC(t)/86400.0
}

// JulianDateTDB returns the Barycentric Dynamical Time Julian Date for the UTC
// instant t. TDB-TT uses the two leading periodic terms (|error| < 30 µs).
func JulianDateTDB(t time.Time) float64 {
	jdTT := JulianDateTT(t)
	g := (357.53 + 0.98560028*(jdTT-j2000)) * deg2rad
	return jdTT + (0.001657*math.Sin(g)+0.000014*math.Sin(2*g))/86400.0
}

// CenturiesSinceJ2000 returns Julian centuries between J2000.0 and jd.
func CenturiesSinceJ2000(jd float64) float64 {
	return (jd - j2000) / 36525.0
}
