package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"transitcoords/internal/grpcserver"
	"transitcoords/internal/metrics"
	"transitcoords/internal/pipeline"
	"transitcoords/internal/server"
	"transitcoords/internal/watch"
)

// newWatcher submits job to pipe whenever matching inputs change. The job's
// own output is ignored so a run never retriggers itself.
func (r *Root) newWatcher(pipe *pipeline.Pipeline, job pipeline.Job) (*watch.Watcher, error) {
	trigger := func(ctx context.Context, changed []string) {
		id, err := pipe.Submit(job)
		if err != nil {
			r.log.Warn("could not queue export after change", "changed", len(changed), "error", err)
			return
		}
		r.log.Info("queued export after change", "run_id", id, "changed", len(changed))
	}
	return watch.New(job.Request.Pattern, r.cfg.Watch.Debounce, trigger, r.log, job.Request.Output)
}

func newWatchCmd(r *Root) *cobra.Command {
	var (
		flags   overrideFlags
		initial bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Regenerate the output whenever matching images change",
		Long: `Watch the directory of the input pattern. Each burst of created, written,
removed or renamed images (after the debounce interval) queues a fresh export
that rewrites the whole output file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			job, err := r.baseJob(flags.overrides(cmd))
			if err != nil {
				return err
			}
			if err := job.Request.Validate(); err != nil {
				return err
			}
			store, err := r.store()
			if err != nil {
				return err
			}

			pipe := pipeline.New(ctx, r.cfg.Pipeline, r.log, store, nil, r.newProcessor(r.log))
			defer pipe.Stop()

			w, err := r.newWatcher(pipe, job)
			if err != nil {
				return err
			}
			if initial {
				if _, err := pipe.Submit(job); err != nil {
					return err
				}
			}
			return w.Run(ctx)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&initial, "initial", true, "run one export before waiting for changes")
	return cmd
}

func newServeCmd(r *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		watchIn  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC APIs with a background run queue",
		Long: `Start the run pipeline, the HTTP API (/healthz, /runs, /runs/{id}, /stream,
/metrics) and the gRPC Exporter service. Submitted runs start from the
configured export and apply the request's overrides.

Examples:
  transitcoords serve
  transitcoords serve --addr 127.0.0.1:8081 --grpc-addr 127.0.0.1:9091 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				r.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				r.cfg.Server.GRPCAddr = grpcAddr
			}
			base, err := pipeline.JobFromConfig(r.cfg)
			if err != nil {
				return err
			}
			return r.serve(cmd.Context(), base, watchIn)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from config, empty disables)")
	cmd.Flags().BoolVar(&watchIn, "watch", false, "also queue an export when the configured inputs change")
	return cmd
}

// serve runs every listener until ctx is done or one of them fails.
func (r *Root) serve(ctx context.Context, base pipeline.Job, watchIn bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := r.store()
	if err != nil {
		return err
	}
	m := metrics.New()
	pipe := pipeline.New(ctx, r.cfg.Pipeline, r.log, store, m, r.newProcessor(r.log))
	defer pipe.Stop()

	type task struct {
		name string
		run  func(context.Context) error
	}
	tasks := []task{{"http", server.NewServer(r.cfg.Server.Addr, store, pipe, m, base, r.cfg.Server.BaseDir, r.log).Start}}
	if r.cfg.Server.GRPCAddr != "" {
		svc := grpcserver.NewService(pipe, store, base, r.cfg.Server.BaseDir)
		tasks = append(tasks, task{"grpc", func(ctx context.Context) error {
			return grpcserver.Serve(ctx, r.cfg.Server.GRPCAddr, svc, r.log)
		}})
	}
	if watchIn {
		w, err := r.newWatcher(pipe, base)
		if err != nil {
			return err
		}
		tasks = append(tasks, task{"watch", w.Run})
	}

	r.log.Info("server ready",
		"addr", r.cfg.Server.Addr,
		"grpc_addr", r.cfg.Server.GRPCAddr,
		"base_dir", r.cfg.Server.BaseDir,
		"history", store != nil,
		"watch", watchIn,
	)

	done := make(chan error, len(tasks))
	for _, t := range tasks {
		go func(t task) {
			err := t.run(ctx)
			if err != nil {
				r.log.Error("listener stopped", "name", t.name, "error", err)
			}
			done <- err
		}(t)
	}

	var errs []error
	for range tasks {
		if err := <-done; err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}
