package ephemeris

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownBody is returned for body names that no dataset knows about.
var ErrUnknownBody = errors.New("ephemeris: unknown body")

// ErrUnsupportedBody is returned when a dataset cannot serve a known body.
var ErrUnsupportedBody = errors.New("ephemeris: body not supported by dataset")

// ErrOutOfRange is returned when a date falls outside a dataset's coverage.
var ErrOutOfRange = errors.New("ephemeris: date outside dataset coverage")

// Body identifies a solar-system body.
type Body int

const (
	Mercury Body = iota + 1
	Venus
	Earth
	Mars
	Jupiter
	Saturn
	Uranus
	Neptune
	Moon
)

var bodyNames = map[Body]string{
	Mercury: "mercury",
	Venus:   "venus",
	Earth:   "earth",
	Mars:    "mars",
	Jupiter: "jupiter",
	Saturn:  "saturn",
	Uranus:  "uranus",
	Neptune: "neptune",
	Moon:    "moon",
}

// String returns the lower-case body name.
func (b Body) String() string {
	if n, ok := bodyNames[b]; ok {
		return n
	}
	return fmt.Sprintf("body(%d)", int(b))
}

// ParseBody parses a case-insensitive body name.
func ParseBody(s string) (Body, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for b, n := range bodyNames {
		if n == name {
			return b, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBody, s)
}

// Valid reports whether b names a known body.
func (b Body) Valid() bool {
	_, ok := bodyNames[b]
	return ok
}

// MarshalText encodes the body by name.
func (b Body) MarshalText() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBody, int(b))
	}
	return []byte(b.String()), nil
}

// UnmarshalText decodes a body name.
func (b *Body) UnmarshalText(text []byte) error {
	parsed, err := ParseBody(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
