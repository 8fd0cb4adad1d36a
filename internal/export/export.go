// Package export writes one timestamped body position per solar image to a
// text file, in sorted input order.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"transitcoords/internal/coords"
	"transitcoords/internal/ephemeris"
	"transitcoords/internal/fitsimage"
	"transitcoords/internal/fsutil"
	"transitcoords/internal/logging"
)

var (
	// ErrEphemeris marks failures to obtain the body position.
	ErrEphemeris = errors.New("export: ephemeris lookup failed")
	// ErrTransform marks failures to project the position into the image frame.
	ErrTransform = errors.New("export: frame transform failed")
)

// FileError ties a failure to the matched file that caused it.
type FileError struct {
	Index int
	Path  string
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Decoder turns a matched path into an image record.
type Decoder interface {
	Decode(path string) (*fitsimage.Record, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(path string) (*fitsimage.Record, error)

func (f DecoderFunc) Decode(path string) (*fitsimage.Record, error) { return f(path) }

// Locator places a body in an image's projected frame.
type Locator interface {
	Locate(body ephemeris.Body, rec *fitsimage.Record) (coords.HPC, error)
}

// ProviderLocator queries an ephemeris provider and projects the result
// through the record's own frame.
type ProviderLocator struct {
	Provider ephemeris.Provider
}

func (l ProviderLocator) Locate(body ephemeris.Body, rec *fitsimage.Record) (coords.HPC, error) {
	pos, err := ephemeris.BodyStonyhurst(l.Provider, body, rec.Date, rec.Observer)
	if err != nil {
		return coords.HPC{}, fmt.Errorf("%w: %w", ErrEphemeris, err)
	}
	hpc := rec.Frame.Project(pos)
	if !finite(hpc.Tx) || !finite(hpc.Ty) {
		return coords.HPC{}, fmt.Errorf("%w: %s at %s has no finite projection", ErrTransform, body, rec.DateString())
	}
	return hpc, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Result is the outcome for one matched file.
type Result struct {
	Index    int        `json:"index"`
	Path     string     `json:"path"`
	Date     string     `json:"date,omitempty"`
	Position coords.HPC `json:"position"`
	Line     string     `json:"line,omitempty"`
	Err      error      `json:"-"`
}

// Summary describes a finished (or stopped) run.
type Summary struct {
	Output   string        `json:"output"`
	Matched  int           `json:"matched"`
	Written  int           `json:"written"`
	Failed   int           `json:"failed"`
	Results  []Result      `json:"results"`
	Duration time.Duration `json:"duration"`
}

// Exporter runs export requests. The zero value is not usable; use New.
type Exporter struct {
	Decoder Decoder
	Locator Locator
	Logger  *slog.Logger
}

// New returns an exporter that decodes FITS files and takes positions from p.
func New(p ephemeris.Provider, log *slog.Logger) *Exporter {
	if log == nil {
		log = logging.Discard()
	}
	return &Exporter{
		Decoder: DecoderFunc(fitsimage.Decode),
		Locator: ProviderLocator{Provider: p},
		Logger:  log,
	}
}

// Run executes req. The output file is created (or truncated) even when no
// file matches, and is closed on every path. Lines are written in sorted
// path order regardless of which worker finishes first.
//
// Under PolicyAbort the first failure in path order ends the run and is
// returned as a *FileError; lines for earlier paths stay in the file. Under
// PolicyCollect failing paths are skipped and all failures are joined.
func (e *Exporter) Run(ctx context.Context, req Request) (sum *Summary, err error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := e.Logger
	if log == nil {
		log = logging.Discard()
	}

	paths, err := fsutil.ListMatches(req.Pattern)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", req.Pattern, err)
	}
	sum = &Summary{Output: req.Output, Matched: len(paths), Results: make([]Result, 0, len(paths))}
	log.Debug("matched input files", "pattern", req.Pattern, "count", len(paths))

	out, err := os.Create(req.Output)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	w := bufio.NewWriter(out)
	defer func() {
		if ferr := w.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("write output: %w", ferr)
		}
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
		sum.Duration = time.Since(start)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	slots := e.dispatch(ctx, req, paths, &wg)

	var failures []error
	for i := range paths {
		var res Result
		select {
		case res = <-slots[i]:
		case <-ctx.Done():
			return sum, fmt.Errorf("export stopped at file %d: %w", i, ctx.Err())
		}

		if res.Err == nil {
			if _, err := w.WriteString(res.Line); err != nil {
				return sum, fmt.Errorf("write output: %w", err)
			}
			sum.Written++
		} else {
			sum.Failed++
			logging.LogFileFailure(log, res.Index, res.Path, res.Err)
		}
		sum.Results = append(sum.Results, res)
		if req.OnResult != nil {
			req.OnResult(res)
		}

		if res.Err != nil {
			if req.Policy != PolicyCollect {
				return sum, res.Err
			}
			failures = append(failures, res.Err)
		}
	}
	return sum, errors.Join(failures...)
}

// dispatch starts the workers and returns one single-use result slot per
// path. Slots are buffered so workers never block on a reader that stopped.
func (e *Exporter) dispatch(ctx context.Context, req Request, paths []string, wg *sync.WaitGroup) []chan Result {
	slots := make([]chan Result, len(paths))
	for i := range slots {
		slots[i] = make(chan Result, 1)
	}
	if len(paths) == 0 {
		return slots
	}

	jobs := make(chan int)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for i := range paths {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	workers := min(req.Workers, len(paths))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				slots[i] <- e.process(ctx, req, i, paths[i])
			}
		}()
	}
	return slots
}

func (e *Exporter) process(ctx context.Context, req Request, i int, path string) Result {
	res := Result{Index: i, Path: path}
	if err := ctx.Err(); err != nil {
		res.Err = &FileError{Index: i, Path: path, Err: err}
		return res
	}

	rec, err := e.Decoder.Decode(path)
	if err != nil {
		res.Err = &FileError{Index: i, Path: path, Err: err}
		return res
	}
	pos, err := e.Locator.Locate(req.Body, rec)
	if err != nil {
		res.Err = &FileError{Index: i, Path: path, Err: err}
		return res
	}

	date := rec.DateString()
	res.Date = Timestamp(date)
	res.Position = pos
	res.Line = FormatLine(date, pos.Tx, pos.Ty, req.Separator)
	return res
}
