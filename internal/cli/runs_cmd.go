package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"transitcoords/internal/grpcserver"
	"transitcoords/internal/storage"
)

func newRunsCmd(r *Root) *cobra.Command {
	var (
		limit  int
		remote string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent export runs, or show one run's lines",
		Long: `Without arguments, list the most recent runs from the local run history
(or from a running server with --remote). With a run id, show that run and
its per-file outcomes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if remote != "" {
				if len(args) > 0 {
					return errors.New("--remote only lists runs")
				}
				runs, err := remoteRuns(cmd, remote)
				if err != nil {
					return err
				}
				return printRuns(out, runs, asJSON)
			}

			store, err := r.store()
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("run history is disabled: %w", storage.ErrNotInitialized)
			}

			if len(args) == 1 {
				run, err := store.Run(args[0])
				if err != nil {
					return err
				}
				lines, err := store.RunLines(args[0])
				if err != nil {
					return err
				}
				return printRun(out, run, lines, asJSON)
			}

			runs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			return printRuns(out, runs, asJSON)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a running server (host:port)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSubmitCmd(r *Root) *cobra.Command {
	var (
		flags  overrideFlags
		remote string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue an export on a running server",
		Long: `Queue a run on the server at --remote. The server starts from its own
configured export and applies the flags that were set. Paths are resolved on
the server and must lie under its server.base_dir.

Examples:
  transitcoords submit --remote 127.0.0.1:9090
  transitcoords submit --remote 127.0.0.1:9090 --output transit/venus.txt --separator ,`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipValidate: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := json.Marshal(flags.overrides(cmd))
			if err != nil {
				return err
			}
			var overrides map[string]any
			if err := json.Unmarshal(raw, &overrides); err != nil {
				return err
			}

			conn, err := grpcserver.Dial(remote)
			if err != nil {
				return fmt.Errorf("connect %s: %w", remote, err)
			}
			defer conn.Close()

			id, err := grpcserver.NewClient(conn).Submit(cmd.Context(), overrides)
			if err != nil {
				return err
			}
			r.log.Info("run submitted", "id", id, "remote", remote)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a running server (host:port)")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}

func remoteRuns(cmd *cobra.Command, addr string) ([]storage.RunRecord, error) {
	conn, err := grpcserver.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	items, err := grpcserver.NewClient(conn).ListRuns(cmd.Context())
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var runs []storage.RunRecord
	if err := json.Unmarshal(raw, &runs); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return runs, nil
}

func printRuns(out io.Writer, runs []storage.RunRecord, asJSON bool) error {
	if asJSON {
		return writeJSON(out, runs)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMATCHED\tWRITTEN\tFAILED\tCREATED\tOUTPUT")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			run.ID, run.Status, run.FilesMatched, run.LinesWritten, run.FilesFailed,
			run.CreatedAt.Local().Format(time.DateTime), run.OutputPath)
	}
	return tw.Flush()
}

func printRun(out io.Writer, run storage.RunRecord, lines []storage.LineRecord, asJSON bool) error {
	if asJSON {
		return writeJSON(out, map[string]any{"run": run, "lines": lines})
	}
	fmt.Fprintf(out, "run:      %s\n", run.ID)
	fmt.Fprintf(out, "status:   %s\n", run.Status)
	fmt.Fprintf(out, "pattern:  %s\n", run.Pattern)
	fmt.Fprintf(out, "output:   %s\n", run.OutputPath)
	fmt.Fprintf(out, "body:     %s (%s)\n", run.Body, run.Dataset)
	fmt.Fprintf(out, "files:    %d matched, %d written, %d failed\n", run.FilesMatched, run.LinesWritten, run.FilesFailed)
	if run.Error != "" {
		fmt.Fprintf(out, "error:    %s\n", run.Error)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSEQ\tTIMESTAMP\tTX\tTY\tPATH")
	for _, l := range lines {
		if l.Error != "" {
			fmt.Fprintf(tw, "%d\t-\t-\t-\t%s (%s)\n", l.Seq, l.Path, l.Error)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%.1f\t%s\n", l.Seq, l.Timestamp, l.Tx, l.Ty, l.Path)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newConfigCmd(r *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
		Long:  "Show the effective configuration (defaults, file, environment) or validate it",
	}

	showCmd := &cobra.Command{
		Use:         "show",
		Short:       "Show the effective configuration as JSON",
		Annotations: map[string]string{skipValidate: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), r.cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration",
		Annotations: map[string]string{skipValidate: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.cfg.Validate(); err != nil {
				return err
			}
			r.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Annotations: map[string]string{skipValidate: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("transitcoords %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
