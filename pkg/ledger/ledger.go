package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/fsatomic"
)

const (
	changesFileName = "changes.jsonl"
	undosFileName   = "undos.jsonl"
	backupsDirName  = "backups"
)

// Session identifies one orchestrator invocation. It is passed explicitly
// into ledger operations; there is no ambient global session.
type Session struct {
	ID        string
	StartedAt time.Time
}

// NewSession creates a session with a fresh UUID.
func NewSession() *Session {
	return &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
}

// Ledger owns changes.jsonl, undos.jsonl, and the backups directory.
type Ledger struct {
	dir         string
	changesPath string
	undosPath   string
	backupsDir  string

	session *Session
	exec    engine.Subprocess
	logger  zerolog.Logger

	// sessionChanges mirrors this session's appended records in order;
	// RollbackAllOnFailure walks it in reverse.
	sessionChanges []*ChangeRecord
}

// Open creates (if needed) and opens the ledger rooted at dir, then runs an
// integrity pass. Integrity problems do not prevent opening: they are
// logged and surfaced so the operator can run repair, but a new session
// must still be able to record what it does.
func Open(dir string, sess *Session, exec engine.Subprocess, logger zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		dir:         dir,
		changesPath: filepath.Join(dir, changesFileName),
		undosPath:   filepath.Join(dir, undosFileName),
		backupsDir:  filepath.Join(dir, backupsDirName),
		session:     sess,
		exec:        exec,
		logger:      logger.With().Str("component", "ledger").Logger(),
	}

	if err := os.MkdirAll(l.backupsDir, 0o755); err != nil {
		return nil, engine.Permanent(engine.CodePermissionDenied,
			fmt.Sprintf("cannot create ledger directory %s", dir), err)
	}

	if problems, _ := l.VerifyIntegrity(); len(problems) > 0 {
		l.logger.Warn().Int("problems", len(problems)).Msg("ledger integrity check found problems; run 'caldera verify' for details")
	}

	return l, nil
}

// Session returns the session this ledger records under.
func (l *Ledger) Session() *Session {
	return l.session
}

// ChangesPath returns the change journal path for diagnostics.
func (l *Ledger) ChangesPath() string {
	return l.changesPath
}

// SessionChangeCount reports how many changes this session has recorded.
func (l *Ledger) SessionChangeCount() int {
	return len(l.sessionChanges)
}

// ChangeParams are the caller-supplied fields of a new change record.
type ChangeParams struct {
	Category          Category
	Description       string
	UndoCommand       string
	RequiresElevation bool
	Severity          Severity
	FilesAffected     []string
	Backups           []BackupInfo
	DependsOn         []string
}

// RecordChange appends a change record and returns its ID.
//
// The ID is one past the highest persisted ID, not an in-memory counter,
// so it stays monotonic and collision-free across process restarts and
// journal repair. The append uses the atomic write discipline; a failed
// append records nothing.
func (l *Ledger) RecordChange(p ChangeParams) (string, error) {
	if err := p.Category.Validate(); err != nil {
		return "", engine.Permanent(engine.CodeValidation, "invalid change", err)
	}
	if err := p.Severity.Validate(); err != nil {
		return "", engine.Permanent(engine.CodeValidation, "invalid change", err)
	}

	seq, err := l.nextChangeSeq()
	if err != nil {
		return "", err
	}

	rec := &ChangeRecord{
		ID:                            fmt.Sprintf("chg-%06d", seq),
		Timestamp:                     time.Now().UTC(),
		Category:                      p.Category,
		Description:                   p.Description,
		UndoCommand:                   p.UndoCommand,
		UndoRequiresElevatedPrivilege: p.RequiresElevation,
		Severity:                      p.Severity,
		FilesAffected:                 append([]string{}, p.FilesAffected...),
		Backups:                       append([]BackupInfo{}, p.Backups...),
		DependsOn:                     append([]string{}, p.DependsOn...),
		SessionID:                     l.session.ID,
		Reversible:                    p.UndoCommand != "",
	}

	sum, err := rec.Checksum()
	if err != nil {
		return "", engine.Permanent(engine.CodeInternal, "failed to checksum change record", err)
	}
	rec.RecordChecksum = sum

	line, err := json.Marshal(rec)
	if err != nil {
		return "", engine.Permanent(engine.CodeInternal, "failed to encode change record", err)
	}

	if err := fsatomic.AppendLine(l.changesPath, line, 0o644); err != nil {
		return "", err
	}

	l.sessionChanges = append(l.sessionChanges, rec)
	l.logger.Debug().Str("change", rec.ID).Str("category", string(rec.Category)).Msg("change recorded")
	return rec.ID, nil
}

// readChanges parses every line of changes.jsonl. Unparseable lines are
// returned as problems alongside the records that did parse.
func (l *Ledger) readChanges() ([]ChangeRecord, []string, error) {
	f, err := os.Open(l.changesPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, engine.Permanent(engine.CodeWriteFailed, "cannot open change journal", err)
	}
	defer f.Close()

	var records []ChangeRecord
	var problems []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec ChangeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			problems = append(problems, fmt.Sprintf("line %d: unparseable: %v", lineNo, err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, problems, engine.Permanent(engine.CodeWriteFailed, "error reading change journal", err)
	}

	return records, problems, nil
}

// nextChangeSeq returns one past the highest numeric ID in the change
// journal. Deriving from the maximum rather than from a line count keeps
// IDs unique even after Repair has dropped lines.
func (l *Ledger) nextChangeSeq() (int, error) {
	records, _, err := l.readChanges()
	if err != nil {
		return 0, err
	}
	max := 0
	for i := range records {
		n, cerr := strconv.Atoi(strings.TrimPrefix(records[i].ID, "chg-"))
		if cerr == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// undoneSet derives which change IDs are reversed from undos.jsonl. Only a
// zero exit marks a change as reversed.
func (l *Ledger) undoneSet() (map[string]bool, error) {
	f, err := os.Open(l.undosPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot open undo journal", err)
	}
	defer f.Close()

	undone := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec UndoRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Unparseable undo markers are skipped; they only ever widen
			// the set of changes considered still applied, which is safe.
			continue
		}
		if rec.ExitCode == 0 {
			undone[rec.Undone] = true
		}
	}
	return undone, scanner.Err()
}

// appendUndoRecord appends one undo marker, success or failure.
func (l *Ledger) appendUndoRecord(changeID string, exitCode int) error {
	rec := UndoRecord{
		Undone:    changeID,
		Timestamp: time.Now().UTC(),
		ExitCode:  exitCode,
	}
	line, err := json.Marshal(&rec)
	if err != nil {
		return engine.Permanent(engine.CodeInternal, "failed to encode undo record", err)
	}
	return fsatomic.AppendLine(l.undosPath, line, 0o644)
}

// VerifyIntegrity checks every journal line: it must parse, its stored
// checksum (when present) must match a recomputation, and every referenced
// backup must exist with matching content checksum. It returns a
// description of each problem found; an empty slice means healthy.
func (l *Ledger) VerifyIntegrity() ([]string, error) {
	records, problems, err := l.readChanges()
	if err != nil {
		return problems, err
	}

	for i := range records {
		rec := &records[i]

		if rec.RecordChecksum != "" {
			ok, cerr := rec.VerifyChecksum()
			if cerr != nil {
				problems = append(problems, fmt.Sprintf("%s: checksum recompute failed: %v", rec.ID, cerr))
				continue
			}
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: record checksum mismatch", rec.ID))
			}
		}

		for _, b := range rec.Backups {
			raw, berr := os.ReadFile(b.BackupPath)
			if berr != nil {
				problems = append(problems, fmt.Sprintf("%s: backup missing: %s", rec.ID, b.BackupPath))
				continue
			}
			if hashBytes(raw) != b.ContentChecksum {
				problems = append(problems, fmt.Sprintf("%s: backup corrupt: %s", rec.ID, b.BackupPath))
			}
		}
	}

	return problems, nil
}

// Repair rewrites the change journal, discarding only unparseable lines.
// Parseable lines with mismatched checksums are never dropped: they
// indicate tampering or a partial write and must be surfaced to the
// operator, not auto-healed. The returned counts are (dropped, kept).
func (l *Ledger) Repair() (dropped int, kept int, err error) {
	records, problems, err := l.readChanges()
	if err != nil {
		return 0, 0, err
	}
	if len(problems) == 0 {
		return 0, len(records), nil
	}

	var buf bytes.Buffer
	for i := range records {
		line, merr := json.Marshal(&records[i])
		if merr != nil {
			return 0, 0, engine.Permanent(engine.CodeInternal, "failed to re-encode change record", merr)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := fsatomic.WriteFile(l.changesPath, buf.Bytes(), 0o644); err != nil {
		return 0, 0, err
	}

	l.logger.Warn().Int("dropped", len(problems)).Int("kept", len(records)).Msg("change journal repaired")
	return len(problems), len(records), nil
}

// List returns every parseable change record in append order, with the
// live undone flag folded in from the undo journal.
func (l *Ledger) List() ([]ChangeRecord, error) {
	records, _, err := l.readChanges()
	if err != nil {
		return nil, err
	}
	undone, err := l.undoneSet()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if undone[records[i].ID] {
			records[i].Undone = true
		}
	}
	return records, nil
}
