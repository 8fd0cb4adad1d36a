// Package ephemeris provides named ephemeris datasets giving heliocentric
// positions of solar-system bodies, and the light-time corrected geometry of a
// body seen from an observer.
package ephemeris

import (
	"fmt"
	"path/filepath"
	"strings"

	"transitcoords/internal/coords"
	"transitcoords/internal/fsutil"
)

// BuiltinName is the dataset served by the analytic model.
const BuiltinName = "builtin"

// Provider returns positions from one ephemeris dataset.
type Provider interface {
	// Name returns the dataset name for display/logging.
	Name() string

	// Position returns the heliocentric position of body in ICRS axes, in AU,
	// at the TDB Julian Date jd.
	Position(body Body, jd float64) (coords.Vec3, error)

	// Close releases any files held by the dataset.
	Close() error
}

// Dataset selects an ephemeris. Path names a JPL DE binary file directly;
// otherwise the file is looked up in Dir by Name.
type Dataset struct {
	Name string
	Path string
	Dir  string
}

// fileSuffixes are tried in order when resolving a dataset name in Dir.
var fileSuffixes = []string{"", ".eph", ".bin"}

// Open activates the dataset and returns it as a Provider. The returned
// provider is owned by the caller; nothing is registered globally.
func Open(ds Dataset) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(ds.Name))
	if name == "" {
		return nil, fmt.Errorf("ephemeris: dataset name is empty")
	}
	if name == BuiltinName && ds.Path == "" {
		return NewBuiltin(), nil
	}

	path, err := ds.resolve()
	if err != nil {
		return nil, err
	}
	return OpenJPL(ds.Name, path)
}

func (ds Dataset) resolve() (string, error) {
	if ds.Path != "" {
		return ds.Path, nil
	}
	dir := ds.Dir
	if dir == "" {
		dir = "."
	}
	candidates := make([]string, 0, len(fileSuffixes))
	for _, suffix := range fileSuffixes {
		candidates = append(candidates, filepath.Join(dir, ds.Name+suffix))
	}
	if p := fsutil.FirstExisting(candidates...); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("ephemeris: no file for dataset %q in %s (set ephemeris.path, or ephemeris.name to %s for the analytic model)", ds.Name, dir, BuiltinName)
}
