package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"transitcoords/internal/config"
	"transitcoords/internal/ephemeris"
	"transitcoords/internal/export"
)

// JobFromConfig builds the job described by the export and ephemeris sections.
func JobFromConfig(cfg *config.Config) (Job, error) {
	body, err := ephemeris.ParseBody(cfg.Export.Body)
	if err != nil {
		return Job{}, err
	}
	policy, err := export.ParsePolicy(cfg.Export.Policy)
	if err != nil {
		return Job{}, err
	}
	return Job{
		Request: export.Request{
			Pattern:   cfg.Export.Pattern,
			Output:    cfg.Export.Output,
			Body:      body,
			Separator: cfg.Export.Separator,
			Policy:    policy,
			Workers:   cfg.Export.Workers,
		},
		Dataset: ephemeris.Dataset{
			Name: cfg.Ephemeris.Name,
			Path: cfg.Ephemeris.Path,
			Dir:  cfg.Ephemeris.Dir,
		},
	}, nil
}

// ErrOutsideBaseDir marks a remote override that points outside the directory
// the server was allowed to touch.
var ErrOutsideBaseDir = errors.New("path outside base directory")

// Overrides are the per-run changes a remote client may ask for. Zero values
// keep the base job's setting; Separator is a pointer because "" is a valid
// choice.
type Overrides struct {
	Pattern       string  `json:"pattern,omitempty"`
	Output        string  `json:"output,omitempty"`
	Body          string  `json:"body,omitempty"`
	Separator     *string `json:"separator,omitempty"`
	Policy        string  `json:"policy,omitempty"`
	Workers       int     `json:"workers,omitempty"`
	Ephemeris     string  `json:"ephemeris,omitempty"`
	EphemerisPath string  `json:"ephemeris_path,omitempty"`
}

// Apply returns base with the overrides applied.
func (o Overrides) Apply(base Job) (Job, error) {
	job := base
	job.ID = ""
	if o.Pattern != "" {
		job.Request.Pattern = o.Pattern
	}
	if o.Output != "" {
		job.Request.Output = o.Output
	}
	if o.Body != "" {
		body, err := ephemeris.ParseBody(o.Body)
		if err != nil {
			return Job{}, err
		}
		job.Request.Body = body
	}
	if o.Separator != nil {
		job.Request.Separator = *o.Separator
	}
	if o.Policy != "" {
		policy, err := export.ParsePolicy(o.Policy)
		if err != nil {
			return Job{}, err
		}
		job.Request.Policy = policy
	}
	if o.Workers != 0 {
		job.Request.Workers = o.Workers
	}
	if o.Ephemeris != "" {
		job.Dataset.Name = o.Ephemeris
		job.Dataset.Path = ""
	}
	if o.EphemerisPath != "" {
		job.Dataset.Path = o.EphemerisPath
	}
	return job, nil
}

// Within rejects overrides whose paths leave root. Relative paths resolve
// against the working directory, like the export itself. A glob pattern is
// checked by its directory part. Dataset names must be bare file names since
// they are looked up inside the configured ephemeris directory.
func (o Overrides) Within(root string) error {
	if root == "" {
		root = "."
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	check := func(field, value, path string) error {
		if value == "" {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s %q is not under %s", ErrOutsideBaseDir, field, value, base)
		}
		return nil
	}

	if err := check("pattern", o.Pattern, filepath.Dir(o.Pattern)); err != nil {
		return err
	}
	if err := check("output", o.Output, o.Output); err != nil {
		return err
	}
	if err := check("ephemeris_path", o.EphemerisPath, o.EphemerisPath); err != nil {
		return err
	}
	if o.Ephemeris != "" && (filepath.Base(o.Ephemeris) != o.Ephemeris || o.Ephemeris == "..") {
		return fmt.Errorf("%w: ephemeris %q must be a dataset name", ErrOutsideBaseDir, o.Ephemeris)
	}
	return nil
}
