package export

import (
	"errors"
	"fmt"
	"strings"

	"transitcoords/internal/ephemeris"
	"transitcoords/internal/fsutil"
)

const (
	DefaultPattern = "aia.lev1.193A_*.image_lev1.fits"
	DefaultOutput  = "venus_coords.txt"
)

// ErrInvalidRequest marks requests rejected by Validate.
var ErrInvalidRequest = errors.New("export: invalid request")

// Policy decides what a failing file does to the run.
type Policy string

const (
	// PolicyAbort stops at the first failing file; earlier lines are kept.
	PolicyAbort Policy = "abort"
	// PolicyCollect skips failing files and reports them all at the end.
	PolicyCollect Policy = "collect"
)

// ParsePolicy accepts "abort" or "collect"; empty means abort.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAbort, nil
	case PolicyAbort, PolicyCollect:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidRequest, s)
	}
}

// Request is one export: which files, where to write, and how.
type Request struct {
	Pattern   string         `json:"pattern"`
	Output    string         `json:"output"`
	Body      ephemeris.Body `json:"body"`
	Separator string         `json:"separator"`
	Policy    Policy         `json:"policy"`
	Workers   int            `json:"workers"`

	// OnResult, when set, sees every file's Result in index order.
	OnResult func(Result) `json:"-"`
}

// DefaultRequest reproduces the Venus transit export.
func DefaultRequest() Request {
	return Request{
		Pattern: DefaultPattern,
		Output:  DefaultOutput,
		Body:    ephemeris.Venus,
		Policy:  PolicyAbort,
		Workers: 1,
	}
}

// Validate reports every problem with the request.
func (r Request) Validate() error {
	var errs []error
	if err := fsutil.ValidatePattern(r.Pattern); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(r.Output) == "" {
		errs = append(errs, errors.New("output path is empty"))
	}
	if !r.Body.Valid() {
		errs = append(errs, fmt.Errorf("%w: %d", ephemeris.ErrUnknownBody, int(r.Body)))
	}
	if r.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", r.Workers))
	}
	if _, err := ParsePolicy(string(r.Policy)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}
