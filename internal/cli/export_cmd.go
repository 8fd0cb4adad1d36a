package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"transitcoords/internal/coords"
	"transitcoords/internal/ephemeris"
	"transitcoords/internal/export"
	"transitcoords/internal/fitsimage"
	"transitcoords/internal/fsutil"
	"transitcoords/internal/logging"
	"transitcoords/internal/pipeline"
)

// overrideFlags binds the per-run flags shared by export and watch.
type overrideFlags struct {
	o         pipeline.Overrides
	separator string
}

func (f *overrideFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.o.Pattern, "pattern", "p", "", "glob selecting the input images (default from config)")
	cmd.Flags().StringVarP(&f.o.Output, "output", "o", "", "output text file (default from config)")
	cmd.Flags().StringVar(&f.o.Body, "body", "", "body to locate (mercury|venus|mars|...)")
	cmd.Flags().StringVar(&f.o.Ephemeris, "ephemeris", "", "ephemeris dataset (de432s|de440|...|builtin)")
	cmd.Flags().StringVar(&f.o.EphemerisPath, "ephemeris-path", "", "path to a JPL DE binary file")
	cmd.Flags().StringVar(&f.separator, "separator", "", "text between the Tx and Ty fields (default none)")
	cmd.Flags().StringVar(&f.o.Policy, "policy", "", "per-file failure policy (abort|collect)")
	cmd.Flags().IntVarP(&f.o.Workers, "workers", "w", 0, "files processed in parallel (default from config)")
}

// overrides returns the flags that were set. An explicit empty separator is
// kept.
func (f *overrideFlags) overrides(cmd *cobra.Command) pipeline.Overrides {
	o := f.o
	if cmd.Flags().Changed("separator") {
		sep := f.separator
		o.Separator = &sep
	}
	return o
}

func newExportCmd(r *Root) *cobra.Command {
	var flags overrideFlags

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write coordinates for every matching image",
		Long: `Match the input pattern, sort the paths, locate the body in each image and
write one line per image to the output file. The output is truncated first,
so rerunning over the same inputs gives identical bytes.

Examples:
  transitcoords export
  transitcoords export --pattern '/data/aia/aia.lev1.193A_*.fits' --output venus.txt
  transitcoords export --ephemeris de432s --policy collect --separator ' '`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := r.baseJob(flags.overrides(cmd))
			if err != nil {
				return err
			}
			_, err = r.runExport(cmd.Context(), job)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

// runExport runs job in the foreground with its own ephemeris provider.
func (r *Root) runExport(ctx context.Context, job pipeline.Job) (*export.Summary, error) {
	runID := uuid.NewString()
	start := time.Now()
	logging.LogRunStart(r.log, runID, job.Request.Pattern, job.Request.Output, map[string]any{
		"body":      job.Request.Body.String(),
		"ephemeris": job.Dataset.Name,
		"policy":    string(job.Request.Policy),
		"workers":   job.Request.Workers,
	})

	provider, err := r.openEphemeris(job.Dataset)
	if err != nil {
		err = fmt.Errorf("open ephemeris %q: %w", job.Dataset.Name, err)
		logging.LogRunError(r.log, runID, time.Since(start), err, nil)
		return nil, err
	}
	defer provider.Close()

	sum, err := export.New(provider, r.log).Run(ctx, job.Request)
	if err != nil {
		ctxInfo := map[string]any{"output": job.Request.Output}
		if sum != nil {
			ctxInfo["written"] = sum.Written
			ctxInfo["failed"] = sum.Failed
		}
		logging.LogRunError(r.log, runID, time.Since(start), err, ctxInfo)
		return sum, err
	}
	logging.LogRunComplete(r.log, runID, sum.Duration, sum.Matched, sum.Written)
	return sum, nil
}

func newInspectCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Show the observation metadata decoded from images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for i, path := range args {
				if !fsutil.IsFITSFile(path) {
					r.log.Warn("file does not have a FITS extension", "path", path)
				}
				rec, err := fitsimage.Decode(path)
				if err != nil {
					return err
				}
				if i > 0 {
					fmt.Fprintln(out)
				}
				printRecord(cmd, rec)
			}
			return nil
		},
	}
}

func printRecord(cmd *cobra.Command, rec *fitsimage.Record) {
	out := cmd.OutOrStdout()
	w := rec.Frame.WCS
	fmt.Fprintf(out, "path:        %s\n", rec.Path)
	fmt.Fprintf(out, "date-obs:    %s\n", rec.DateString())
	fmt.Fprintf(out, "timestamp:   %s\n", export.Timestamp(rec.DateString()))
	if rec.Telescope != "" || rec.Instrument != "" {
		fmt.Fprintf(out, "instrument:  %s %s\n", rec.Telescope, rec.Instrument)
	}
	if rec.Wavelength != 0 {
		fmt.Fprintf(out, "wavelength:  %g\n", rec.Wavelength)
	}
	fmt.Fprintf(out, "observer:    %s\n", rec.Observer)
	fmt.Fprintf(out, "rsun_ref:    %.0f m\n", rec.Frame.RSun)
	fmt.Fprintf(out, "crpix:       %.3f %.3f\n", w.CRPix[0], w.CRPix[1])
	fmt.Fprintf(out, "crval:       %.3f %.3f arcsec\n", w.CRVal[0], w.CRVal[1])
	fmt.Fprintf(out, "cdelt:       %.6f %.6f arcsec/px\n", w.CDelt[0], w.CDelt[1])
	if x, y, err := rec.Frame.WorldToPixel(coords.HPC{}); err == nil {
		fmt.Fprintf(out, "sun center:  %.3f %.3f px\n", x, y)
	}
	tx, ty := w.PixelToWorld(0, 0)
	fmt.Fprintf(out, "first pixel: %.3f %.3f arcsec\n", tx, ty)
}

func newPositionCmd(r *Root) *cobra.Command {
	var (
		flags     overrideFlags
		asJSON    bool
		withPixel bool
	)

	cmd := &cobra.Command{
		Use:   "position <file>",
		Short: "Print the output line for a single image",
		Long: `Print the line the export would write for one image. --pixel adds the
body's zero-based pixel position on the image as a second line. --json prints
the full result, including the pixel position, Earth's Stonyhurst position at
the observation time and the ephemeris coverage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := r.baseJob(flags.overrides(cmd))
			if err != nil {
				return err
			}
			rec, err := fitsimage.Decode(args[0])
			if err != nil {
				return err
			}
			provider, err := r.openEphemeris(job.Dataset)
			if err != nil {
				return fmt.Errorf("open ephemeris %q: %w", job.Dataset.Name, err)
			}
			defer provider.Close()

			pos, err := export.ProviderLocator{Provider: provider}.Locate(job.Request.Body, rec)
			if err != nil {
				return err
			}

			var px *pixel
			if x, y, err := rec.Frame.WorldToPixel(pos); err == nil {
				px = &pixel{X: x, Y: y}
			} else {
				r.log.Warn("no pixel position", "path", rec.Path, "error", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				earth, err := ephemeris.EarthStonyhurst(provider, rec.Date)
				if err != nil {
					return err
				}
				res := positionResult{
					Path:      rec.Path,
					Date:      rec.DateString(),
					Body:      job.Request.Body.String(),
					Ephemeris: provider.Name(),
					Observer:  rec.Observer,
					Earth:     earth,
					Position:  pos,
					Pixel:     px,
				}
				if c, ok := provider.(interface{ Coverage() (float64, float64) }); ok {
					start, end := c.Coverage()
					res.Coverage = &coverage{StartJD: start, EndJD: end}
				}
				if d, ok := provider.(interface{ DENumber() int32 }); ok {
					res.DENumber = d.DENumber()
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			if _, err := fmt.Fprint(out, export.FormatLine(rec.DateString(), pos.Tx, pos.Ty, job.Request.Separator)); err != nil {
				return err
			}
			if withPixel {
				if px == nil {
					return fmt.Errorf("%s: %w", rec.Path, coords.ErrSingularWCS)
				}
				_, err = fmt.Fprintf(out, "pixel: %.3f %.3f\n", px.X, px.Y)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&flags.o.Body, "body", "", "body to locate (mercury|venus|mars|...)")
	cmd.Flags().StringVar(&flags.o.Ephemeris, "ephemeris", "", "ephemeris dataset (de432s|de440|...|builtin)")
	cmd.Flags().StringVar(&flags.o.EphemerisPath, "ephemeris-path", "", "path to a JPL DE binary file")
	cmd.Flags().StringVar(&flags.separator, "separator", "", "text between the Tx and Ty fields (default none)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full position as JSON")
	cmd.Flags().BoolVar(&withPixel, "pixel", false, "also print the body's pixel position")
	return cmd
}

type pixel struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type coverage struct {
	StartJD float64 `json:"start_jd"`
	EndJD   float64 `json:"end_jd"`
}

type positionResult struct {
	Path      string     `json:"path"`
	Date      string     `json:"date"`
	Body      string     `json:"body"`
	Ephemeris string     `json:"ephemeris"`
	DENumber  int32      `json:"de_number,omitempty"`
	Coverage  *coverage  `json:"coverage,omitempty"`
	Observer  coords.HGS `json:"observer"`
	Earth     coords.HGS `json:"earth"`
	Position  coords.HPC `json:"position"`
	Pixel     *pixel     `json:"pixel,omitempty"`
}
