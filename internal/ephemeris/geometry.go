package ephemeris

import (
	"fmt"
	"time"

	"transitcoords/internal/coords"
)

// lightTimeIterations is enough for sub-millisecond convergence at planetary
// distances.
const lightTimeIterations = 3

// BodyStonyhurst returns the position of body as seen by observer at the UTC
// instant t, in the heliographic Stonyhurst frame of t. The body is taken at
// the light-emission time while the Sun and Earth are taken at t.
func BodyStonyhurst(p Provider, body Body, t time.Time, observer coords.HGS) (coords.HGS, error) {
	jd := coords.JulianDateTDB(t)

	earth, err := p.Position(Earth, jd)
	if err != nil {
		return coords.HGS{}, fmt.Errorf("earth position: %w", err)
	}
	basis, err := coords.StonyhurstBasis(earth)
	if err != nil {
		return coords.HGS{}, err
	}
	obs := basis.FromFrame(observer.Cartesian())

	pos, err := p.Position(body, jd)
	if err != nil {
		return coords.HGS{}, fmt.Errorf("%s position: %w", body, err)
	}
	for i := 0; i < lightTimeIterations; i++ {
		lt := pos.Sub(obs).Norm() / coords.SpeedOfLightAUPerDay
		pos, err = p.Position(body, jd-lt)
		if err != nil {
			return coords.HGS{}, fmt.Errorf("%s position at emission: %w", body, err)
		}
	}

	return coords.HGSFromCartesian(basis.ToFrame(pos)), nil
}

// EarthStonyhurst returns Earth's own HGS position at t.
func EarthStonyhurst(p Provider, t time.Time) (coords.HGS, error) {
	earth, err := p.Position(Earth, coords.JulianDateTDB(t))
	if err != nil {
		return coords.HGS{}, fmt.Errorf("earth position: %w", err)
	}
	basis, err := coords.StonyhurstBasis(earth)
	if err != nil {
		return coords.HGS{}, err
	}
	return coords.HGSFromCartesian(basis.ToFrame(earth)), nil
}
