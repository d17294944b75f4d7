package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/engine"
)

// fakeExec records every command it is asked to run and returns the exit
// code configured per script (default zero).
type fakeExec struct {
	commands []engine.Command
	exitFor  map[string]int
}

func (f *fakeExec) Run(ctx context.Context, cmd engine.Command) (engine.Result, error) {
	f.commands = append(f.commands, cmd)
	return engine.Result{ExitCode: f.exitFor[cmd.Script], Output: "fake output"}, nil
}

func newTestLedger(t *testing.T, exec engine.Subprocess) *Ledger {
	t.Helper()
	if exec == nil {
		exec = &fakeExec{}
	}
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	l, err := Open(t.TempDir(), NewSession(), exec, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func record(t *testing.T, l *Ledger, undoCmd string, deps ...string) string {
	t.Helper()
	id, err := l.RecordChange(ChangeParams{
		Category:    CategoryFile,
		Description: "test change",
		UndoCommand: undoCmd,
		Severity:    SeverityLow,
		DependsOn:   deps,
	})
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	return id
}

func TestRecordChangeSequentialIDs(t *testing.T) {
	l := newTestLedger(t, nil)

	for i, want := range []string{"chg-000001", "chg-000002", "chg-000003"} {
		got := record(t, l, "true")
		if got != want {
			t.Errorf("change %d: ID = %s, want %s", i+1, got, want)
		}
	}

	// The counter is derived from the persisted journal, so a new process
	// (new session, same directory) continues the sequence.
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	reopened, err := Open(l.dir, NewSession(), &fakeExec{}, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := record(t, reopened, "true"); got != "chg-000004" {
		t.Errorf("ID after reopen = %s, want chg-000004", got)
	}
}

func TestUndoMarksChangeReversed(t *testing.T) {
	exec := &fakeExec{}
	l := newTestLedger(t, exec)
	id := record(t, l, "rm -f /tmp/thing")

	if err := l.Undo(context.Background(), id, false, false); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if len(exec.commands) != 1 || exec.commands[0].Script != "rm -f /tmp/thing" {
		t.Errorf("executed commands = %+v, want the undo command once", exec.commands)
	}

	records, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || !records[0].Undone {
		t.Errorf("List = %+v, want one undone record", records)
	}

	// Idempotent: a second undo is a no-op, not a second execution.
	if err := l.Undo(context.Background(), id, false, false); err != nil {
		t.Fatalf("repeat Undo: %v", err)
	}
	if len(exec.commands) != 1 {
		t.Errorf("undo command ran %d times, want 1", len(exec.commands))
	}
}

func TestUndoUnknownChange(t *testing.T) {
	l := newTestLedger(t, nil)
	err := l.Undo(context.Background(), "chg-999999", false, false)
	if !engine.IsCode(err, engine.CodeUnknownChangeID) {
		t.Errorf("error code = %s, want %s", engine.CodeOf(err), engine.CodeUnknownChangeID)
	}
}

func TestUndoIrreversibleChange(t *testing.T) {
	l := newTestLedger(t, nil)
	id := record(t, l, "") // no undo command

	err := l.Undo(context.Background(), id, false, false)
	if !engine.IsCode(err, engine.CodeValidation) {
		t.Errorf("error code = %s, want %s", engine.CodeOf(err), engine.CodeValidation)
	}
}

func TestUndoDependencyOrdering(t *testing.T) {
	exec := &fakeExec{}
	l := newTestLedger(t, exec)
	base := record(t, l, "undo-base")
	dependent := record(t, l, "undo-dependent", base)

	// base cannot be undone while dependent is still applied.
	err := l.Undo(context.Background(), base, false, false)
	if !engine.IsCode(err, engine.CodeDependentNotUndone) {
		t.Fatalf("error code = %s, want %s", engine.CodeOf(err), engine.CodeDependentNotUndone)
	}
	if len(exec.commands) != 0 {
		t.Fatal("blocked undo must not execute anything")
	}

	// Reverse order works.
	if err := l.Undo(context.Background(), dependent, false, false); err != nil {
		t.Fatalf("Undo dependent: %v", err)
	}
	if err := l.Undo(context.Background(), base, false, false); err != nil {
		t.Fatalf("Undo base after dependent: %v", err)
	}

	want := []string{"undo-dependent", "undo-base"}
	for i, cmd := range exec.commands {
		if cmd.Script != want[i] {
			t.Errorf("command %d = %s, want %s", i, cmd.Script, want[i])
		}
	}
}

func TestUndoForceBypassesDependencyCheck(t *testing.T) {
	exec := &fakeExec{}
	l := newTestLedger(t, exec)
	base := record(t, l, "undo-base")
	record(t, l, "undo-dependent", base)

	if err := l.Undo(context.Background(), base, true, false); err != nil {
		t.Fatalf("forced Undo: %v", err)
	}
	if len(exec.commands) != 1 {
		t.Errorf("executed %d commands, want 1", len(exec.commands))
	}
}

func TestUndoFailureKeepsChangeApplied(t *testing.T) {
	exec := &fakeExec{exitFor: map[string]int{"failing-undo": 7}}
	l := newTestLedger(t, exec)
	id := record(t, l, "failing-undo")

	err := l.Undo(context.Background(), id, false, false)
	if !engine.IsCode(err, engine.CodeStepFailed) {
		t.Fatalf("error code = %s, want %s", engine.CodeOf(err), engine.CodeStepFailed)
	}

	records, lerr := l.List()
	if lerr != nil {
		t.Fatalf("List: %v", lerr)
	}
	if records[0].Undone {
		t.Error("a failed undo must not mark the change reversed")
	}

	// A later retry that succeeds does mark it.
	exec.exitFor["failing-undo"] = 0
	if err := l.Undo(context.Background(), id, false, false); err != nil {
		t.Fatalf("retry Undo: %v", err)
	}
	records, _ = l.List()
	if !records[0].Undone {
		t.Error("successful retry should mark the change reversed")
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	l := newTestLedger(t, nil)
	record(t, l, "true")
	tampered := record(t, l, "true")

	// Rewrite the second line with a modified description and the stale
	// checksum, the way an editor-based tamper would look.
	raw, err := os.ReadFile(l.ChangesPath())
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var rec ChangeRecord
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("parse line: %v", err)
	}
	rec.Description = "edited after the fact"
	edited, err := json.Marshal(&rec)
	if err != nil {
		t.Fatalf("marshal edited record: %v", err)
	}
	lines[1] = string(edited)
	if err := os.WriteFile(l.ChangesPath(), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite journal: %v", err)
	}

	problems, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(problems) != 1 || !strings.Contains(problems[0], tampered) {
		t.Errorf("problems = %v, want exactly one naming %s", problems, tampered)
	}

	// Tampered records block undo unless forced. Reopen so the record is
	// read back from disk rather than from the session cache.
	reopened, err := Open(l.dir, NewSession(), &fakeExec{}, zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	uerr := reopened.Undo(context.Background(), tampered, false, false)
	if !engine.IsCode(uerr, engine.CodeChecksumMismatch) {
		t.Errorf("undo error code = %s, want %s", engine.CodeOf(uerr), engine.CodeChecksumMismatch)
	}
}

func TestRepairDropsOnlyUnparseableLines(t *testing.T) {
	l := newTestLedger(t, nil)
	record(t, l, "true")
	record(t, l, "true")

	f, err := os.OpenFile(l.ChangesPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString("{torn write\n"); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	dropped, kept, err := l.Repair()
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if dropped != 1 || kept != 2 {
		t.Errorf("Repair = (%d dropped, %d kept), want (1, 2)", dropped, kept)
	}

	problems, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("journal should be clean after repair, got %v", problems)
	}
}

func TestRecordChangeAfterRepairContinuesSequence(t *testing.T) {
	l := newTestLedger(t, nil)
	record(t, l, "true")
	record(t, l, "true")
	third := record(t, l, "true")

	// Mangle the middle line so repair drops it, leaving a gap.
	raw, err := os.ReadFile(l.ChangesPath())
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines[1] = "{torn write"
	if err := os.WriteFile(l.ChangesPath(), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite journal: %v", err)
	}

	dropped, kept, err := l.Repair()
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if dropped != 1 || kept != 2 {
		t.Fatalf("Repair = (%d dropped, %d kept), want (1, 2)", dropped, kept)
	}

	// The journal now holds two lines but the highest ID is chg-000003;
	// the next ID must not collide with it.
	got := record(t, l, "true")
	if got != "chg-000004" {
		t.Errorf("ID after repair = %s, want chg-000004 (highest was %s)", got, third)
	}
}

func TestRollbackAllOnFailure(t *testing.T) {
	exec := &fakeExec{exitFor: map[string]int{"undo-2": 13}}
	l := newTestLedger(t, exec)
	record(t, l, "undo-1")
	second := record(t, l, "undo-2")
	record(t, l, "undo-3")

	res := l.RollbackAllOnFailure(context.Background(), 1)

	if res.Attempted != 3 {
		t.Errorf("Attempted = %d, want 3", res.Attempted)
	}
	if res.Failed != 1 || len(res.FailedIDs) != 1 || res.FailedIDs[0] != second {
		t.Errorf("Failed = %d %v, want 1 [%s]", res.Failed, res.FailedIDs, second)
	}

	// Strict reverse order, failure or not.
	want := []string{"undo-3", "undo-2", "undo-1"}
	if len(exec.commands) != len(want) {
		t.Fatalf("executed %d commands, want %d", len(exec.commands), len(want))
	}
	for i, cmd := range exec.commands {
		if cmd.Script != want[i] {
			t.Errorf("command %d = %s, want %s", i, cmd.Script, want[i])
		}
	}
}

func TestRollbackSkippedOnSuccessExit(t *testing.T) {
	exec := &fakeExec{}
	l := newTestLedger(t, exec)
	record(t, l, "undo-1")

	res := l.RollbackAllOnFailure(context.Background(), 0)
	if res.Attempted != 0 || len(exec.commands) != 0 {
		t.Errorf("rollback ran on success exit: %+v, %d commands", res, len(exec.commands))
	}
}

func TestCreateBackupRoundTrip(t *testing.T) {
	l := newTestLedger(t, nil)

	target := filepath.Join(t.TempDir(), "bashrc")
	content := []byte("export PATH=$PATH:/opt/tools/bin\n")
	if err := os.WriteFile(target, content, 0o600); err != nil {
		t.Fatalf("write target: %v", err)
	}

	info, err := l.CreateBackup(target)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if info == nil {
		t.Fatal("expected backup info for an existing file")
	}
	if info.OriginalPath != target {
		t.Errorf("OriginalPath = %s, want %s", info.OriginalPath, target)
	}

	copied, err := os.ReadFile(info.BackupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(copied) != string(content) {
		t.Error("backup content differs from original")
	}
	if hashBytes(copied) != info.ContentChecksum {
		t.Error("ContentChecksum does not match backup bytes")
	}
}

func TestCreateBackupMissingTarget(t *testing.T) {
	l := newTestLedger(t, nil)
	info, err := l.CreateBackup(filepath.Join(t.TempDir(), "never-existed"))
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if info != nil {
		t.Errorf("info = %+v, want nil for a missing target", info)
	}
}

func TestUndoRestoresOriginalContent(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	l, err := Open(t.TempDir(), NewSession(), engine.NewExecSubprocess(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	target := filepath.Join(t.TempDir(), "profile")
	original := []byte("alias ll='ls -l'\n")
	if err := os.WriteFile(target, original, 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	info, err := l.CreateBackup(target)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if err := os.WriteFile(target, []byte("alias ll='ls -la'\nexport EDITOR=vim\n"), 0o644); err != nil {
		t.Fatalf("modify target: %v", err)
	}

	id, err := l.RecordChange(ChangeParams{
		Category:      CategoryFile,
		Description:   "rewrite shell profile",
		UndoCommand:   fmt.Sprintf("cp %s %s", info.BackupPath, target),
		Severity:      SeverityLow,
		FilesAffected: []string{target},
		Backups:       []BackupInfo{*info},
	})
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	if err := l.Undo(context.Background(), id, false, false); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	restored, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(restored) != string(original) {
		t.Errorf("restored content = %q, want %q", restored, original)
	}

	records, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || !records[0].Undone {
		t.Errorf("List = %+v, want one undone record", records)
	}
}

func TestUndoBlockedByCorruptBackup(t *testing.T) {
	exec := &fakeExec{}
	l := newTestLedger(t, exec)

	target := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	info, err := l.CreateBackup(target)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	id, err := l.RecordChange(ChangeParams{
		Category:    CategoryConfig,
		Description: "rewrite config",
		UndoCommand: "restore-config",
		Severity:    SeverityMedium,
		Backups:     []BackupInfo{*info},
	})
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	if err := os.WriteFile(info.BackupPath, []byte("mangled"), 0o644); err != nil {
		t.Fatalf("corrupt backup: %v", err)
	}

	uerr := l.Undo(context.Background(), id, false, false)
	if !engine.IsCode(uerr, engine.CodeBackupCorrupt) {
		t.Fatalf("error code = %s, want %s", engine.CodeOf(uerr), engine.CodeBackupCorrupt)
	}
	if len(exec.commands) != 0 {
		t.Error("undo command must not run with a corrupt backup")
	}

	// Force proceeds anyway.
	if err := l.Undo(context.Background(), id, true, false); err != nil {
		t.Fatalf("forced Undo: %v", err)
	}
	if len(exec.commands) != 1 {
		t.Errorf("executed %d commands after force, want 1", len(exec.commands))
	}
}
