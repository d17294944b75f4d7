// Package ledger implements the append-only change journal and undo engine:
// every mutating action taken against the machine is recorded as one
// JSON line in changes.jsonl together with content-addressed file backups,
// and undo state transitions are recorded as separate UndoRecord lines in
// undos.jsonl. Records are never rewritten in place; that is what keeps the
// ledger crash-safe.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Category is the closed set of change kinds. Validated when a record is
// built, never string-matched ad hoc at call time.
type Category string

const (
	CategoryPackage   Category = "package"
	CategoryFile      Category = "file"
	CategoryDirectory Category = "directory"
	CategorySymlink   Category = "symlink"
	CategoryService   Category = "service"
	CategoryConfig    Category = "config"
	CategoryCommand   Category = "command"
)

// Validate checks the category against the closed set.
func (c Category) Validate() error {
	switch c {
	case CategoryPackage, CategoryFile, CategoryDirectory, CategorySymlink,
		CategoryService, CategoryConfig, CategoryCommand:
		return nil
	default:
		return fmt.Errorf("invalid change category: %s", c)
	}
}

// Severity grades how risky a change is to undo.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Validate checks the severity against the closed set.
func (s Severity) Validate() error {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// BackupInfo describes one content-addressed backup copy.
//
// Invariant: ContentChecksum equals the SHA-256 of BackupPath's bytes at all
// times; any mismatch is corruption.
type BackupInfo struct {
	OriginalPath    string    `json:"original_path"`
	BackupPath      string    `json:"backup_path"`
	ContentChecksum string    `json:"content_checksum"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChangeRecord is one appended line in changes.jsonl. Once appended its
// content is immutable; the undone transition is represented by UndoRecord
// entries, never by rewriting the original line.
type ChangeRecord struct {
	// ID is monotonic, sequential, and human-legible ("chg-000042").
	ID string `json:"id"`

	Timestamp   time.Time `json:"timestamp"`
	Category    Category  `json:"category"`
	Description string    `json:"description"`

	// UndoCommand is an opaque executable shell command that reverses the
	// change. Empty when the change is not reversible.
	UndoCommand string `json:"undo_command"`

	// UndoRequiresElevatedPrivilege runs the undo command under sudo.
	UndoRequiresElevatedPrivilege bool `json:"undo_requires_elevated_privilege"`

	Severity      Severity     `json:"severity"`
	FilesAffected []string     `json:"files_affected"`
	Backups       []BackupInfo `json:"backups"`

	// DependsOn lists change IDs that must be undone before this one.
	DependsOn []string `json:"depends_on"`

	SessionID  string `json:"session_id"`
	Reversible bool   `json:"reversible"`

	// Undone is always false on disk; the live value is derived from
	// undos.jsonl.
	Undone bool `json:"undone"`

	// RecordChecksum is the SHA-256 over every other field.
	RecordChecksum string `json:"record_checksum"`
}

// Checksum computes the record checksum over all fields except
// RecordChecksum itself.
func (r *ChangeRecord) Checksum() (string, error) {
	clone := *r
	clone.RecordChecksum = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the checksum and compares it to the stored one.
func (r *ChangeRecord) VerifyChecksum() (bool, error) {
	want, err := r.Checksum()
	if err != nil {
		return false, err
	}
	return want == r.RecordChecksum, nil
}

// UndoRecord is one appended line in undos.jsonl: a marker that an undo of
// the named change was attempted. Failures are recorded too (audit trail),
// but only ExitCode zero marks the change as reversed.
type UndoRecord struct {
	Undone    string    `json:"undone"`
	Timestamp time.Time `json:"timestamp"`
	ExitCode  int       `json:"exit_code"`
}

// hashBytes returns the hex SHA-256 of b.
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
