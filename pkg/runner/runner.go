// Package runner executes an execution plan phase by phase, recording every
// mutation in the change ledger and every transition in the state file. It
// owns the ordering contract: state step marker before the step runs,
// backups before the mutation, ledger record only after the mutation
// succeeds.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/ledger"
	"github.com/calderahq/caldera/pkg/registry"
	"github.com/calderahq/caldera/pkg/resolver"
	"github.com/calderahq/caldera/pkg/state"
	"github.com/calderahq/caldera/pkg/telemetry"
)

// maxOutputTail bounds how much subprocess output a failure report carries.
const maxOutputTail = 2048

// Runner drives one provisioning run.
type Runner struct {
	State    *state.Manager
	Ledger   *ledger.Ledger
	Registry *registry.Registry
	Plan     *resolver.ExecutionPlan
	Exec     engine.Subprocess
	Fetcher  engine.VerifiedFetcher
	Reporter engine.Reporter
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// Run executes every pending phase of the plan in canonical order.
//
// A context cancellation is returned as-is: the caller must treat it as an
// interruption, which keeps the run resumable, not as a failure that
// triggers rollback.
func (r *Runner) Run(ctx context.Context) error {
	for _, phase := range registry.Phases {
		modules := r.Plan.ModulesForPhase(r.Registry, phase.ID)
		if len(modules) == 0 {
			continue
		}

		phase := phase
		err := r.State.RunPhase(ctx, phase.ID, phase.Name, func(ctx context.Context) error {
			pctx, span := r.Tracer.StartPhaseSpan(ctx, phase.ID)
			defer span.End()

			for _, id := range modules {
				if err := r.runModule(pctx, id); err != nil {
					telemetry.RecordError(span, err)
					return err
				}
			}
			telemetry.RecordSuccess(span)
			return nil
		})

		dur := r.State.State().PhaseDurations[phase.ID]
		if err != nil {
			status := "failed"
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = "interrupted"
			}
			r.Metrics.RecordPhase(phase.ID, status, secondsToDuration(dur))
			return err
		}
		r.Metrics.RecordPhase(phase.ID, "completed", secondsToDuration(dur))
	}
	return nil
}

func (r *Runner) runModule(ctx context.Context, moduleID string) error {
	mod, ok := r.Registry.Get(moduleID)
	if !ok {
		return engine.Permanent(engine.CodeUnknownModule, "module vanished from graph: "+moduleID, nil)
	}

	log := r.Logger.With().Str("module", moduleID).Logger()
	log.Info().Int("steps", len(mod.Steps)).Msg("module starting")

	// Steps within a module depend on their predecessors: undoing step 1
	// while step 2's change still stands would leave the module half-built.
	var priorChanges []string

	for _, step := range mod.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.State.StepUpdate(step.Description); err != nil {
			return err
		}
		r.Reporter.Info(fmt.Sprintf("%s: %s", moduleID, step.Description))

		changeID, err := r.runStep(ctx, mod, step, priorChanges)
		if err != nil {
			r.Metrics.RecordStep(moduleID, "failed")
			return r.describeFailure(mod, step, err)
		}
		r.Metrics.RecordStep(moduleID, "completed")
		if changeID != "" {
			priorChanges = append(priorChanges, changeID)
		}
	}

	log.Info().Msg("module complete")
	return nil
}

// runStep performs one step: back up affected files, fetch verified
// content if the step needs it, execute with bounded retries, and record
// the change only after success. Returns the new change ID, empty when the
// step recorded nothing.
func (r *Runner) runStep(ctx context.Context, mod *registry.Module, step registry.Step, priorChanges []string) (string, error) {
	sctx, span := r.Tracer.StartStepSpan(ctx, mod.ID, step.Description)
	defer span.End()

	var backups []ledger.BackupInfo
	for _, path := range step.FilesAffected {
		info, err := r.Ledger.CreateBackup(path)
		if err != nil {
			telemetry.RecordError(span, err)
			return "", err
		}
		if info != nil {
			backups = append(backups, *info)
		}
	}

	var stdin []byte
	if step.FetchRef != "" {
		payload, err := r.Fetcher.Fetch(sctx, step.FetchRef)
		if err != nil {
			telemetry.RecordError(span, err)
			return "", err
		}
		stdin = payload
	}

	attempt := 0
	err := engine.Retry(sctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			r.Metrics.RecordRetry()
			r.Reporter.Warn(fmt.Sprintf("%s: retrying (attempt %d)", mod.ID, attempt))
		}

		res, err := r.Exec.Run(ctx, engine.Command{
			Script:   step.Command,
			Stdin:    stdin,
			Elevated: step.Elevated,
		})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			cerr := engine.ClassifyStepFailure(step.Description, res.ExitCode, res.Output)
			cerr.Message += "\n" + engine.TruncateOutput(res.Output, maxOutputTail)
			return cerr
		}
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}

	id, err := r.Ledger.RecordChange(ledger.ChangeParams{
		Category:          step.Category,
		Description:       step.Description,
		UndoCommand:       step.Undo,
		RequiresElevation: step.Elevated,
		Severity:          step.Severity,
		FilesAffected:     step.FilesAffected,
		Backups:           backups,
		DependsOn:         priorChanges,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	r.Metrics.RecordChange(string(step.Category))

	telemetry.RecordSuccess(span)
	return id, nil
}

// describeFailure attaches phase/step context and an actionable hint to the
// step error.
func (r *Runner) describeFailure(mod *registry.Module, step registry.Step, err error) error {
	var cerr *engine.Error
	if errors.As(err, &cerr) {
		cerr = cerr.WithPhase(mod.Phase).WithStep(mod.ID + ": " + step.Description)
		if hint := remediationHint(cerr); hint != "" {
			r.Reporter.Error(hint)
		}
		r.Metrics.RecordError(string(cerr.Class), cerr.Code)
		return cerr
	}
	return err
}

// remediationHint maps common failure codes to the action an operator
// should take next.
func remediationHint(err *engine.Error) string {
	switch err.Code {
	case engine.CodeDiskFull:
		return "hint: free disk space and re-run; the run will resume where it stopped"
	case engine.CodePermissionDenied:
		return "hint: check sudo access (sudo -v) and directory permissions, then re-run"
	case engine.CodeStepFailed:
		if err.Class == engine.ClassTransient {
			return "hint: the failure looks network-related; check connectivity and re-run to resume"
		}
		return "hint: inspect the output above; re-running resumes from the failed phase"
	default:
		return ""
	}
}

// Interrupted reports whether err is a context cancellation rather than a
// real failure.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Summary renders the post-run rollback summary lines.
func Summary(res ledger.RollbackResult) []string {
	if res.Attempted == 0 {
		return nil
	}
	lines := []string{
		fmt.Sprintf("rolled back %d of %d changes", res.Attempted-res.Failed, res.Attempted),
	}
	if res.Failed > 0 {
		lines = append(lines,
			fmt.Sprintf("failed to undo: %s", strings.Join(res.FailedIDs, ", ")),
			fmt.Sprintf("inspect the change journal at %s", res.LedgerPath))
	}
	return lines
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
