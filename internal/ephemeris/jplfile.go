package ephemeris

import (
	"fmt"
	"os"
	"sync"

	"github.com/mshafiee/jpl"

	"transitcoords/internal/coords"
)

var jplBodies = map[Body]jpl.CelestialBody{
	Mercury: jpl.Mercury,
	Venus:   jpl.Venus,
	Earth:   jpl.Earth,
	Mars:    jpl.Mars,
	Jupiter: jpl.Jupiter,
	Saturn:  jpl.Saturn,
	Uranus:  jpl.Uranus,
	Neptune: jpl.Neptune,
	Moon:    jpl.Moon,
}

// JPLFile serves positions from a JPL DE binary ephemeris file. The reader
// keeps interpolation state on the struct, so lookups are serialized.
type JPLFile struct {
	name  string
	path  string
	file  *os.File
	start float64
	end   float64
	denum int32

	mu  sync.Mutex
	eph *jpl.JPL
}

// OpenJPL opens the DE file at path under the given dataset name.
func OpenJPL(name, path string) (*JPLFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ephemeris %s: %w", path, err)
	}

	eph, ss, err := jpl.NewJPL(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ephemeris %s: %w", path, err)
	}
	if len(ss) < 2 {
		f.Close()
		return nil, fmt.Errorf("read ephemeris %s: missing coverage range", path)
	}

	return &JPLFile{
		name:  name,
		path:  path,
		file:  f,
		start: ss[0],
		end:   ss[1],
		denum: eph.GetDenum(),
		eph:   eph,
	}, nil
}

func (p *JPLFile) Name() string { return p.name }

// Coverage returns the first and last TDB Julian Dates in the file.
func (p *JPLFile) Coverage() (float64, float64) { return p.start, p.end }

// DENumber returns the DE series number recorded in the file header.
func (p *JPLFile) DENumber() int32 { return p.denum }

// Position implements Provider.
func (p *JPLFile) Position(body Body, jd float64) (coords.Vec3, error) {
	target, ok := jplBodies[body]
	if !ok {
		return coords.Vec3{}, fmt.Errorf("%w: %s in %s", ErrUnsupportedBody, body, p.name)
	}
	if jd < p.start || jd > p.end {
		return coords.Vec3{}, fmt.Errorf("%w: JD %.5f not in [%.1f, %.1f]", ErrOutOfRange, jd, p.start, p.end)
	}

	p.mu.Lock()
	rrd, err := p.eph.EphemerisLookup(jd, target, jpl.Sun)
	p.mu.Unlock()
	if err != nil {
		return coords.Vec3{}, fmt.Errorf("lookup %s at JD %.5f: %w", body, jd, err)
	}
	if len(rrd) < 3 {
		return coords.Vec3{}, fmt.Errorf("lookup %s at JD %.5f: short state vector", body, jd)
	}
	return coords.Vec3{rrd[0], rrd[1], rrd[2]}, nil
}

// Close releases the underlying file.
func (p *JPLFile) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}
