package ledger

import (
	"context"
	"fmt"

	"github.com/calderahq/caldera/pkg/engine"
)

// Undo reverses a recorded change.
//
// The record is located from the in-memory session cache first, then by
// scanning the journal; if multiple entries carry the same ID (which should
// not happen), the most recent wins. Undo is idempotent: a change already
// marked undone returns success rather than erroring, so retrying a partial
// undo pass is always safe.
//
// Unless force is set, a checksum mismatch or a backup integrity failure
// aborts. Unless skipDependencyCheck is set, any other not-yet-undone
// record whose depends_on includes this ID blocks the undo: dependent
// changes must be reverted first, enforcing reverse-topological order.
func (l *Ledger) Undo(ctx context.Context, changeID string, force, skipDependencyCheck bool) error {
	rec, err := l.findChange(changeID)
	if err != nil {
		return err
	}

	ok, err := rec.VerifyChecksum()
	if err != nil || !ok {
		if !force {
			return engine.Permanent(engine.CodeChecksumMismatch,
				"record checksum mismatch; the journal entry may have been tampered with (use --force to override)",
				err).WithChangeID(changeID)
		}
		l.logger.Warn().Str("change", changeID).Msg("checksum mismatch overridden by force")
	}

	undone, err := l.undoneSet()
	if err != nil {
		return err
	}
	if undone[changeID] {
		l.logger.Debug().Str("change", changeID).Msg("already undone; no-op")
		return nil
	}

	if !skipDependencyCheck {
		if dep := l.findBlockingDependent(changeID, undone); dep != "" && !force {
			return engine.Permanent(engine.CodeDependentNotUndone,
				fmt.Sprintf("change %s depends on %s and has not been undone; undo it first (or use --force)", dep, changeID),
				nil).WithChangeID(changeID)
		}
	}

	if err := verifyBackups(rec.Backups); err != nil {
		if !force {
			return err
		}
		l.logger.Warn().Str("change", changeID).Err(err).Msg("backup verification failure overridden by force")
	}

	if !rec.Reversible || rec.UndoCommand == "" {
		return engine.Permanent(engine.CodeValidation,
			fmt.Sprintf("change %s is not reversible", changeID), nil).WithChangeID(changeID)
	}

	res, runErr := l.exec.Run(ctx, engine.Command{
		Script:   rec.UndoCommand,
		Elevated: rec.UndoRequiresElevatedPrivilege,
	})

	// The attempt is recorded whether it worked or not; a failed undo is
	// still audit trail. Only exit code zero marks the change reversed.
	if err := l.appendUndoRecord(changeID, res.ExitCode); err != nil {
		l.logger.Error().Err(err).Str("change", changeID).Msg("failed to append undo record")
	}

	if runErr != nil {
		return engine.Permanent(engine.CodeStepFailed, "undo command could not be started", runErr).
			WithChangeID(changeID)
	}
	if res.ExitCode != 0 {
		return engine.Permanent(engine.CodeStepFailed,
			fmt.Sprintf("undo command exited with code %d: %s",
				res.ExitCode, engine.TruncateOutput(res.Output, 512)),
			nil).WithChangeID(changeID).WithExitCode(res.ExitCode)
	}

	l.logger.Info().Str("change", changeID).Msg("change undone")
	return nil
}

// findChange locates a record by ID, preferring the session cache.
func (l *Ledger) findChange(changeID string) (*ChangeRecord, error) {
	for _, rec := range l.sessionChanges {
		if rec.ID == changeID {
			return rec, nil
		}
	}

	records, _, err := l.readChanges()
	if err != nil {
		return nil, err
	}
	// Most recent entry wins on (abnormal) duplicates.
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].ID == changeID {
			return &records[i], nil
		}
	}

	return nil, engine.Permanent(engine.CodeUnknownChangeID,
		fmt.Sprintf("no change with ID %s in %s", changeID, l.changesPath), nil).WithChangeID(changeID)
}

// findBlockingDependent returns the ID of a not-yet-undone record that
// depends on changeID, or empty when none blocks.
func (l *Ledger) findBlockingDependent(changeID string, undone map[string]bool) string {
	records, _, err := l.readChanges()
	if err != nil {
		return ""
	}
	for i := range records {
		rec := &records[i]
		if rec.ID == changeID || undone[rec.ID] {
			continue
		}
		for _, dep := range rec.DependsOn {
			if dep == changeID {
				return rec.ID
			}
		}
	}
	return ""
}

// RollbackResult summarizes a best-effort rollback pass.
type RollbackResult struct {
	Attempted  int
	Failed     int
	FailedIDs  []string
	LedgerPath string
}

// RollbackAllOnFailure undoes every change recorded this session, in strict
// reverse order. It is a no-op when exitCode is zero or nothing was
// recorded: rollback is gated on a failure exit code, never on
// interruption, so a cancelled run stays resumable instead of being
// unwound.
//
// Each undo runs with force and without dependency checks: rollback must be
// best-effort and must not wedge itself on ordering, and reverse insertion
// order already approximates the correct topological order for same-session
// changes. Individual failures are aggregated, never aborting the loop.
func (l *Ledger) RollbackAllOnFailure(ctx context.Context, exitCode int) RollbackResult {
	res := RollbackResult{LedgerPath: l.changesPath}
	if exitCode == 0 || len(l.sessionChanges) == 0 {
		return res
	}

	l.logger.Warn().Int("exit_code", exitCode).Int("changes", len(l.sessionChanges)).
		Msg("run failed; rolling back session changes in reverse order")

	for i := len(l.sessionChanges) - 1; i >= 0; i-- {
		rec := l.sessionChanges[i]
		res.Attempted++
		if err := l.Undo(ctx, rec.ID, true, true); err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, rec.ID)
			l.logger.Error().Err(err).Str("change", rec.ID).Msg("rollback of change failed")
		}
	}

	if res.Failed > 0 {
		l.logger.Error().Int("unrecovered", res.Failed).Str("ledger", l.changesPath).
			Msg("rollback finished with unrecovered changes; inspect the ledger manually")
	}
	return res
}
