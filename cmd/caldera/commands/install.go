package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/fetch"
	"github.com/calderahq/caldera/pkg/history"
	"github.com/calderahq/caldera/pkg/ledger"
	"github.com/calderahq/caldera/pkg/policy"
	"github.com/calderahq/caldera/pkg/registry"
	"github.com/calderahq/caldera/pkg/resolver"
	"github.com/calderahq/caldera/pkg/runner"
	"github.com/calderahq/caldera/pkg/state"
	"github.com/calderahq/caldera/pkg/telemetry"
)

func newInstallCommand() *cobra.Command {
	var (
		only           []string
		onlyPhases     []string
		skip           []string
		skipTags       []string
		skipCategories []string
		noDeps         bool
		forceReinstall bool
		forceResume    bool
		interactive    bool
		keepCorrupt    bool
		allowElevated  bool
		metricsAddr    string
		traceExporter  string
		traceEndpoint  string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run the provisioning plan",
		Long: `Resolve the module selection into an execution plan and run it phase by
phase. Progress persists after every transition; a failed or interrupted run
re-runs with the same command and resumes where it stopped.

A step failure rolls back every change recorded this session, in reverse
order. An interrupt (Ctrl+C) does not roll back.`,
		Example: `  # Full unattended run
  caldera install

  # Only two modules and their dependencies
  caldera install --only zsh --only starship

  # Everything except cloud tooling, no prompt
  caldera install --skip-category cloud --resume`,
		RunE: func(cmd *cobra.Command, args []string) error {
			intent := resolver.Intent{
				OnlyModules:    only,
				OnlyPhases:     onlyPhases,
				SkipModules:    skip,
				SkipTags:       skipTags,
				SkipCategories: skipCategories,
				NoDeps:         noDeps,
			}
			opts := state.ResumeOptions{
				ForceReinstall:      forceReinstall,
				ForceResume:         forceResume,
				Interactive:         interactive,
				StdinIsTerminal:     isatty.IsTerminal(os.Stdin.Fd()),
				KeepCorruptAndAbort: keepCorrupt,
			}
			tcfg := telemetry.DefaultConfig()
			tcfg.ServiceVersion = toolVersion
			tcfg.Logging.Level = logLevel
			tcfg.Logging.Format = logFormat
			tcfg.Metrics.ListenAddress = metricsAddr
			if traceExporter != "" && traceExporter != "none" {
				tcfg.Tracing.Enabled = true
				tcfg.Tracing.Exporter = traceExporter
				tcfg.Tracing.Endpoint = traceEndpoint
			}
			return runInstall(cmd.Context(), intent, opts, allowElevated, tcfg)
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "run only these modules (plus dependencies)")
	cmd.Flags().StringSliceVar(&onlyPhases, "only-phase", nil, "run only modules of these phases")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "skip these modules")
	cmd.Flags().StringSliceVar(&skipTags, "skip-tag", nil, "skip modules carrying these tags")
	cmd.Flags().StringSliceVar(&skipCategories, "skip-category", nil, "skip modules of these categories")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "do not pull in dependencies (plan may be incomplete)")
	cmd.Flags().BoolVar(&forceReinstall, "force-reinstall", false, "discard previous state and start fresh")
	cmd.Flags().BoolVar(&forceResume, "resume", false, "resume without prompting")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt before resuming prior state")
	cmd.Flags().BoolVar(&keepCorrupt, "keep-corrupt-state", false, "abort on unusable state instead of backing it up")
	cmd.Flags().BoolVar(&allowElevated, "allow-elevated", true, "permit modules that run elevated commands")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP trace endpoint")

	return cmd
}

func runInstall(ctx context.Context, intent resolver.Intent, opts state.ResumeOptions, allowElevated bool, tcfg *telemetry.Config) error {
	logger, err := newLogger()
	if err != nil {
		return fail(exitHard, err)
	}
	reporter := telemetry.NewConsoleReporter()

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fail(exitHard, err)
	}
	lock, err := engine.AcquireSessionLock(stateDir)
	if err != nil {
		return fail(exitHard, err)
	}
	defer lock.Release()

	reg, err := loadRegistry()
	if err != nil {
		return fail(exitHard, err)
	}
	plan, err := resolver.Resolve(reg, intent)
	if err != nil {
		return fail(exitHard, err)
	}
	for _, w := range plan.Warnings {
		reporter.Warn(w)
	}

	polEngine, err := policy.NewEngine(logger)
	if err != nil {
		return fail(exitHard, err)
	}
	if policyDir != "" {
		if err := polEngine.LoadDir(policyDir); err != nil {
			return fail(exitHard, err)
		}
	}
	polRes, err := polEngine.EvaluatePlan(ctx, reg, plan, policy.Context{
		User:          os.Getenv("USER"),
		Unattended:    !opts.Interactive || !opts.StdinIsTerminal,
		AllowElevated: allowElevated,
		NoDeps:        intent.NoDeps,
	})
	if err != nil {
		return fail(exitHard, err)
	}
	for _, w := range polRes.Warnings {
		reporter.Warn(fmt.Sprintf("policy %s: %s", w.Policy, w.Message))
	}
	if err := policy.Deny(polRes); err != nil {
		return fail(exitHard, err)
	}

	mgr := state.NewManager(stateDir, registry.PhaseIDs(), logger, reporter)
	if _, err := mgr.Load(opts); err != nil {
		return fail(exitHard, err)
	}
	decision, err := mgr.ConfirmResume(opts)
	if err != nil {
		return fail(exitHard, err)
	}
	if decision == state.DecisionAbort {
		reporter.Info("aborted; nothing changed")
		return nil
	}

	mode := state.ModeFull
	if len(intent.OnlyModules) > 0 || len(intent.OnlyPhases) > 0 {
		mode = state.ModeSelective
	}
	if err := mgr.Initialize(toolVersion, mode); err != nil {
		return fail(exitHard, err)
	}

	sess := ledger.NewSession()
	exec := engine.NewExecSubprocess()
	led, err := ledger.Open(filepath.Join(stateDir, "ledger"), sess, exec, logger)
	if err != nil {
		return fail(exitHard, err)
	}

	metrics := telemetry.NewMetrics(tcfg.Metrics)
	metrics.Serve(logger)
	tracer, err := NewRunTracer(tcfg)
	if err != nil {
		return fail(exitHard, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	r := &runner.Runner{
		State:    mgr,
		Ledger:   led,
		Registry: reg,
		Plan:     plan,
		Exec:     exec,
		Fetcher:  fetch.New(logger),
		Reporter: reporter,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	}

	startedAt := time.Now().UTC()
	rctx, span := tracer.StartRunSpan(ctx, sess.ID, string(mode))
	runErr := r.Run(rctx)
	span.End()

	status := history.StatusCompleted
	exitCode := exitOK
	switch {
	case runErr == nil:
		reporter.Success("provisioning complete")

	case runner.Interrupted(runErr):
		status = history.StatusInterrupted
		exitCode = exitRun
		reporter.Warn("run interrupted; no changes were rolled back")
		reporter.Info("resume with: caldera install --resume")

	default:
		status = history.StatusFailed
		exitCode = exitRun
		res := led.RollbackAllOnFailure(rctx, exitCode)
		for _, line := range runner.Summary(res) {
			reporter.Warn(line)
		}
		if res.Failed > 0 {
			metrics.RecordRollbackFailure()
		}
		reporter.Info("resume with: caldera install --resume")
	}

	recordRun(ctx, sess.ID, mode, status, exitCode, plan, mgr, led, startedAt, runErr)

	if runErr != nil {
		return fail(exitCode, runErr)
	}
	return nil
}

// NewRunTracer builds the tracer for one run.
func NewRunTracer(cfg *telemetry.Config) (*telemetry.Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
}

// recordRun writes the run history row. Best-effort: history is a reporting
// surface, a failure here never changes the run outcome.
func recordRun(ctx context.Context, sessionID string, mode state.Mode, status history.RunStatus, exitCode int, plan *resolver.ExecutionPlan, mgr *state.Manager, led *ledger.Ledger, startedAt time.Time, runErr error) {
	store, err := history.Open(ctx, filepath.Join(stateDir, "history.db"))
	if err != nil {
		return
	}
	defer store.Close()

	completedAt := time.Now().UTC()
	var errMsg *string
	if runErr != nil {
		s := runErr.Error()
		errMsg = &s
	}
	phases := 0
	if st := mgr.State(); st != nil {
		phases = len(st.CompletedPhases)
	}
	_ = store.RecordRun(ctx, &history.Run{
		ID:              sessionID,
		Mode:            string(mode),
		Status:          status,
		ExitCode:        exitCode,
		ModuleCount:     len(plan.Modules),
		PhasesCompleted: phases,
		ChangesRecorded: led.SessionChangeCount(),
		Error:           errMsg,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
	})
}
