package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fetchgate/internal/config"
	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/logging"
	"github.com/JakeFAU/fetchgate/internal/orchestrator"
	"github.com/JakeFAU/fetchgate/internal/server"
	"github.com/JakeFAU/fetchgate/internal/stats"
)

const archiveTimeout = 2 * time.Minute

// newLogger is replaced in tests to silence output.
var newLogger = logging.New

// runSummary is printed as JSON once a run completes.
type runSummary struct {
	RunID    string           `json:"run_id"`
	Stats    stats.Snapshot   `json:"stats"`
	Outcomes []outcomeSummary `json:"outcomes"`
}

type outcomeSummary struct {
	RequestID  string `json:"request_id"`
	URL        string `json:"url"`
	Kind       string `json:"kind"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	ArchiveURI string `json:"archive_uri,omitempty"`
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [targets...]",
		Short: "Fetch every target and print run statistics",
		Long: `Loads configuration, starts the configured browser backend and resolves
every target URL given on the command line, or listed under "targets" in the
config file. SIGINT or SIGTERM stops admitting work; in-flight attempts get
shutdown.grace_period to finish. Statistics are printed as JSON on exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runFetch(cmd.Context(), cfg, args, cmd.OutOrStdout())
		},
	}
}

func runFetch(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	logger, err := newLogger(cfg.LoggingOptions())
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	targets := cfg.Targets
	if len(args) > 0 {
		cfg.Targets = args
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("targets: %w", err)
		}
		targets = args
	}
	if len(targets) == 0 {
		return fetch.NewConfigError("targets", "at least one target is required")
	}

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.GracePeriod+5*time.Second)
		defer cancel()
		if cerr := st.close(closeCtx); cerr != nil {
			logger.Warn("stack close failed", zap.Error(cerr))
		}
	}()

	reqs := make([]fetch.Request, 0, len(targets))
	for _, target := range targets {
		reqs = append(reqs, fetch.NewRequest(target))
	}

	report, err := execute(ctx, st, reqs)
	if err != nil {
		return err
	}

	summary := runSummary{
		RunID:    report.RunID.String(),
		Stats:    report.Stats,
		Outcomes: st.summarize(ctx, report.Outcomes),
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// execute runs reqs alongside the optional ops server. Cancelling ctx starts
// a graceful shutdown bounded by shutdown.grace_period.
func execute(ctx context.Context, st *stack, reqs []fetch.Request) (orchestrator.Report, error) {
	logger := st.logger
	grace := st.cfg.Shutdown.GracePeriod

	stopOnSignal := context.AfterFunc(ctx, func() {
		logger.Info("shutdown signal received", zap.Duration("grace_period", grace))
		graceCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := st.orch.Shutdown(graceCtx); err != nil {
			logger.Warn("graceful shutdown incomplete", zap.Error(err))
		}
	})
	defer stopOnSignal()

	serveCtx, stopServing := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(serveCtx)
	if addr := st.cfg.Server.Addr; addr != "" {
		ops := server.New(st.orch, logger.Named("ops"), st.recorder.Registry())
		g.Go(func() error {
			return ops.Serve(gctx, addr)
		})
	}

	var report orchestrator.Report
	g.Go(func() error {
		defer stopServing()
		report = st.orch.Run(context.WithoutCancel(ctx), reqs)
		return nil
	})
	if err := g.Wait(); err != nil {
		stopServing()
		return report, err
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := st.orch.Shutdown(graceCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("run complete", zap.Stringer("stats", report.Stats))
	return report, nil
}

func (st *stack) summarize(ctx context.Context, outcomes []fetch.Outcome) []outcomeSummary {
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	summaries := make([]outcomeSummary, 0, len(outcomes))
	for _, out := range outcomes {
		s := outcomeSummary{
			RequestID:  out.Request.ID,
			URL:        out.Request.Target,
			Kind:       out.Kind.String(),
			Attempts:   out.Attempts,
			DurationMS: out.Duration.Milliseconds(),
		}
		if n := len(out.History); n > 0 {
			s.StatusCode = out.History[n-1].StatusCode
		}
		if out.Err != nil {
			s.Error = out.Err.Error()
		}
		if st.archiver != nil && out.OK() {
			uri, err := st.archiver.Archive(archiveCtx, out)
			if err != nil {
				st.logger.Warn("archive failed", zap.String("url", out.Request.Target), zap.Error(err))
			}
			s.ArchiveURI = uri
		}
		summaries = append(summaries, s)
	}
	return summaries
}
