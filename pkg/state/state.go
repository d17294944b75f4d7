// Package state owns the persisted installation state: which phases have
// completed, where a run stopped, and whether a new invocation should
// resume or start fresh. The state file is the single source of truth for
// crash recovery and is only ever written through the atomic primitive.
package state

import (
	"time"
)

// SchemaVersion is the current state file schema. Readers must reject newer
// versions and migrate older ones before writing.
const SchemaVersion = 2

// Mode describes how the run was selected.
type Mode string

const (
	// ModeFull runs every default-enabled module.
	ModeFull Mode = "full"

	// ModeSelective runs an explicit subset (--only / --only-phase / skips).
	ModeSelective Mode = "selective"
)

// Validate checks the mode against the closed set.
func (m Mode) Validate() bool {
	return m == ModeFull || m == ModeSelective
}

// InstallationState is the file-backed singleton tracking run progress.
//
// Invariants: CurrentPhase and FailedPhase are never both non-nil, and a
// phase ID appears in at most one of completed/failed/current.
type InstallationState struct {
	// SchemaVersion is monotonic; see SchemaVersion.
	SchemaVersion int `json:"schema_version" validate:"required,min=1"`

	// ToolVersion is the orchestrator version that last wrote this file.
	ToolVersion string `json:"tool_version" validate:"required"`

	// Mode records how modules were selected for this installation.
	Mode Mode `json:"mode" validate:"required"`

	// StartedAt is when the installation first began.
	StartedAt time.Time `json:"started_at" validate:"required"`

	// LastUpdated is bumped on every persisted transition.
	LastUpdated time.Time `json:"last_updated"`

	// CompletedPhases holds stable phase IDs with set semantics: queried as
	// membership, duplicates never inserted.
	CompletedPhases []string `json:"completed_phases"`

	// CurrentPhase and CurrentStep are non-nil only while a phase is
	// executing; cleared on completion.
	CurrentPhase *string `json:"current_phase"`
	CurrentStep  *string `json:"current_step"`

	// FailedPhase, FailedStep, and FailedError are non-nil only after a
	// failure; cleared on recovery.
	FailedPhase *string `json:"failed_phase"`
	FailedStep  *string `json:"failed_step"`
	FailedError *string `json:"failed_error"`

	// SkippedTools and SkippedPhases are user-requested exclusions.
	SkippedTools  []string `json:"skipped_tools"`
	SkippedPhases []string `json:"skipped_phases"`

	// PhaseDurations maps phase ID to execution seconds.
	PhaseDurations map[string]float64 `json:"phase_durations"`
}

// hasCompleted reports set membership in CompletedPhases.
func (s *InstallationState) hasCompleted(phaseID string) bool {
	for _, id := range s.CompletedPhases {
		if id == phaseID {
			return true
		}
	}
	return false
}

// hasSkipped reports set membership in SkippedPhases.
func (s *InstallationState) hasSkipped(phaseID string) bool {
	for _, id := range s.SkippedPhases {
		if id == phaseID {
			return true
		}
	}
	return false
}

// Verdict is the outcome of validating a state file at startup.
type Verdict string

const (
	// VerdictFresh means no state file exists.
	VerdictFresh Verdict = "fresh"

	// VerdictCorrupt means the file exists but does not parse.
	VerdictCorrupt Verdict = "corrupt"

	// VerdictMissingFields means the file parses but required fields are absent.
	VerdictMissingFields Verdict = "missing_fields"

	// VerdictFutureSchema means the file was written by a newer tool.
	VerdictFutureSchema Verdict = "future_schema"

	// VerdictLegacySchema means the file needs migration before use.
	VerdictLegacySchema Verdict = "legacy_schema"

	// VerdictValid means the file is usable as-is.
	VerdictValid Verdict = "valid"
)

// Decision is the resume-or-restart outcome of ConfirmResume.
type Decision string

const (
	DecisionResume Decision = "resume"
	DecisionFresh  Decision = "fresh"
	DecisionAbort  Decision = "abort"
)
