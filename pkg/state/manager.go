package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/fsatomic"
)

// StateFileName is the state file name inside the state directory.
const StateFileName = "state.json"

// Manager owns state.json. All mutations go through it, every persisted
// transition uses the atomic write primitive, and a failed state write is
// fatal to the phase that caused it: continuing without durable progress
// tracking is unsafe, so there is no retry here.
type Manager struct {
	dir      string
	path     string
	canon    []string // canonical phase order
	logger   zerolog.Logger
	reporter engine.Reporter
	validate *validator.Validate

	state       *InstallationState
	phaseStarts map[string]time.Time
}

// ResumeOptions carries the CLI intent into the resume decision.
type ResumeOptions struct {
	// ForceReinstall wipes state and starts fresh without asking.
	ForceReinstall bool

	// ForceResume resumes silently even when interactive.
	ForceResume bool

	// Interactive presents a Resume/Fresh/Abort choice, but only when
	// StdinIsTerminal is also true; prompting an unattended run would hang it.
	Interactive     bool
	StdinIsTerminal bool

	// KeepCorruptAndAbort aborts instead of backing up and resetting a
	// corrupt/unreadable state file. For non-interactive callers that want
	// to inspect before losing resume position.
	KeepCorruptAndAbort bool

	// Prompt reads one line for the interactive choice. Defaults to stdin.
	Prompt func(question string) (string, error)
}

// NewManager creates a state manager rooted at dir. canonicalPhases is the
// fixed phase order; it determines PendingPhases ordering.
func NewManager(dir string, canonicalPhases []string, logger zerolog.Logger, reporter engine.Reporter) *Manager {
	if reporter == nil {
		reporter = engine.NopReporter{}
	}
	return &Manager{
		dir:         dir,
		path:        filepath.Join(dir, StateFileName),
		canon:       canonicalPhases,
		logger:      logger.With().Str("component", "state").Logger(),
		reporter:    reporter,
		validate:    validator.New(),
		phaseStarts: make(map[string]time.Time),
	}
}

// Path returns the state file path.
func (m *Manager) Path() string {
	return m.path
}

// State returns the in-memory state. Nil before Initialize/Load.
func (m *Manager) State() *InstallationState {
	return m.state
}

// Initialize creates a fresh InstallationState if none is loaded, creating
// the state directory as needed.
func (m *Manager) Initialize(toolVersion string, mode Mode) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return engine.Permanent(engine.CodePermissionDenied,
			fmt.Sprintf("cannot create state directory %s", m.dir), err)
	}

	if m.state != nil {
		return nil
	}

	now := time.Now().UTC()
	m.state = &InstallationState{
		SchemaVersion:   SchemaVersion,
		ToolVersion:     toolVersion,
		Mode:            mode,
		StartedAt:       now,
		LastUpdated:     now,
		CompletedPhases: []string{},
		SkippedTools:    []string{},
		SkippedPhases:   []string{},
		PhaseDurations:  map[string]float64{},
	}
	return m.save()
}

// Validate inspects the state file without mutating it and returns a
// verdict. The caller decides what to do with non-Valid verdicts; Load
// implements the default policy.
func (m *Manager) Validate() (Verdict, *InstallationState) {
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return VerdictFresh, nil
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.path).Msg("state file unreadable")
		return VerdictCorrupt, nil
	}

	var st InstallationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return VerdictCorrupt, nil
	}

	if err := m.validate.Struct(&st); err != nil {
		return VerdictMissingFields, &st
	}

	switch {
	case st.SchemaVersion > SchemaVersion:
		return VerdictFutureSchema, &st
	case st.SchemaVersion < SchemaVersion:
		return VerdictLegacySchema, &st
	default:
		return VerdictValid, &st
	}
}

// Load validates the state file and applies the recovery policy:
//   - Fresh: no state, m.state stays nil until Initialize.
//   - Valid: state loaded.
//   - LegacySchema: migrated in memory and persisted; unmapped legacy phase
//     entries are preserved verbatim with a warning.
//   - Corrupt/MissingFields/FutureSchema: the file is copied aside with a
//     timestamp suffix and treated as fresh, unless opts.KeepCorruptAndAbort
//     is set, in which case Load fails so the operator can inspect.
func (m *Manager) Load(opts ResumeOptions) (Verdict, error) {
	verdict, st := m.Validate()

	switch verdict {
	case VerdictFresh:
		return verdict, nil

	case VerdictValid:
		m.state = st
		return verdict, nil

	case VerdictLegacySchema:
		unmapped := migrateLegacy(st)
		for _, id := range unmapped {
			m.logger.Warn().Str("phase", id).Msg("legacy phase identifier has no mapping; preserved verbatim")
			m.reporter.Warn(fmt.Sprintf("state migration: unknown legacy phase %q preserved as-is", id))
		}
		m.state = st
		if err := m.save(); err != nil {
			return verdict, err
		}
		return verdict, nil

	default: // Corrupt, MissingFields, FutureSchema
		if opts.KeepCorruptAndAbort {
			return verdict, engine.Permanent(verdictCode(verdict),
				fmt.Sprintf("state file %s is %s; kept in place per policy", m.path, verdict), nil)
		}
		backup, err := m.backupAside()
		if err != nil {
			return verdict, err
		}
		m.reporter.Warn(fmt.Sprintf("state file was %s; backed up to %s and starting fresh", verdict, backup))
		m.logger.Warn().Str("verdict", string(verdict)).Str("backup", backup).Msg("state reset")
		m.state = nil
		return verdict, nil
	}
}

func verdictCode(v Verdict) string {
	switch v {
	case VerdictCorrupt:
		return engine.CodeCorruptState
	case VerdictMissingFields:
		return engine.CodeMissingFields
	case VerdictFutureSchema:
		return engine.CodeFutureSchema
	case VerdictLegacySchema:
		return engine.CodeLegacySchema
	default:
		return engine.CodeInternal
	}
}

// backupAside moves the unusable state file to state.json.<timestamp>.bak.
func (m *Manager) backupAside() (string, error) {
	backup := fmt.Sprintf("%s.%s.bak", m.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(m.path, backup); err != nil {
		return "", engine.Permanent(engine.CodeWriteFailed, "failed to back up unusable state file", err)
	}
	return backup, nil
}

// ConfirmResume decides between resuming and starting fresh, in strict
// precedence order: force-reinstall, force-resume, interactive prompt (only
// with an attached terminal), then silent resume. Silent resume is the
// default because most invocations are unattended and a prompt would hang
// them.
func (m *Manager) ConfirmResume(opts ResumeOptions) (Decision, error) {
	if m.state == nil {
		return DecisionFresh, nil
	}

	switch {
	case opts.ForceReinstall:
		if err := m.Wipe(); err != nil {
			return DecisionAbort, err
		}
		m.reporter.Info("previous installation state wiped; starting fresh")
		return DecisionFresh, nil

	case opts.ForceResume:
		return DecisionResume, nil

	case opts.Interactive && opts.StdinIsTerminal:
		return m.promptResume(opts)

	default:
		m.reporter.Info(fmt.Sprintf("resuming installation started %s (%d phases complete); use --force-reinstall to start over",
			m.state.StartedAt.Format(time.RFC3339), len(m.state.CompletedPhases)))
		return DecisionResume, nil
	}
}

func (m *Manager) promptResume(opts ResumeOptions) (Decision, error) {
	prompt := opts.Prompt
	if prompt == nil {
		prompt = func(question string) (string, error) {
			fmt.Print(question)
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			return strings.TrimSpace(line), err
		}
	}

	answer, err := prompt(fmt.Sprintf("Found installation state from %s. [R]esume, start [F]resh, or [A]bort? ",
		m.state.StartedAt.Format(time.RFC3339)))
	if err != nil {
		return DecisionAbort, engine.Permanent(engine.CodeInternal, "failed to read resume choice", err)
	}

	switch strings.ToLower(answer) {
	case "r", "resume", "":
		return DecisionResume, nil
	case "f", "fresh":
		if err := m.Wipe(); err != nil {
			return DecisionAbort, err
		}
		return DecisionFresh, nil
	default:
		return DecisionAbort, nil
	}
}

// Wipe removes the state file and in-memory state. Used by explicit
// reinstall only.
func (m *Manager) Wipe() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return engine.Permanent(engine.CodeWriteFailed, "failed to remove state file", err)
	}
	m.state = nil
	return nil
}

// PhaseStart records that a phase began executing. It clears any failure
// context (starting a phase is the recovery path) and maintains the
// invariant that current and failed are never both set.
func (m *Manager) PhaseStart(phaseID string) error {
	m.phaseStarts[phaseID] = time.Now()

	id := phaseID
	m.state.CurrentPhase = &id
	m.state.CurrentStep = nil
	m.state.FailedPhase = nil
	m.state.FailedStep = nil
	m.state.FailedError = nil
	return m.save()
}

// StepUpdate records the step currently executing within the current phase.
func (m *Manager) StepUpdate(description string) error {
	desc := description
	m.state.CurrentStep = &desc
	return m.save()
}

// PhaseComplete merges the phase into the completed set (set semantics: a
// duplicate start never creates a duplicate entry), records its duration
// from the start timestamp, and clears the current markers.
func (m *Manager) PhaseComplete(phaseID string) error {
	if !m.state.hasCompleted(phaseID) {
		m.state.CompletedPhases = append(m.state.CompletedPhases, phaseID)
	}

	if started, ok := m.phaseStarts[phaseID]; ok {
		if m.state.PhaseDurations == nil {
			m.state.PhaseDurations = map[string]float64{}
		}
		m.state.PhaseDurations[phaseID] = time.Since(started).Seconds()
		delete(m.phaseStarts, phaseID)
	}

	m.state.CurrentPhase = nil
	m.state.CurrentStep = nil
	return m.save()
}

// PhaseFail records failure context and clears the current markers so the
// current/failed exclusivity invariant holds.
func (m *Manager) PhaseFail(phaseID, step string, cause error) error {
	id, st := phaseID, step
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	m.state.CurrentPhase = nil
	m.state.CurrentStep = nil
	m.state.FailedPhase = &id
	m.state.FailedStep = &st
	m.state.FailedError = &msg
	return m.save()
}

// PhaseSkip records a user-requested phase skip.
func (m *Manager) PhaseSkip(phaseID string) error {
	if !m.state.hasSkipped(phaseID) {
		m.state.SkippedPhases = append(m.state.SkippedPhases, phaseID)
	}
	return m.save()
}

// ShouldSkipPhase reports whether a phase is already completed or was
// explicitly skipped.
func (m *Manager) ShouldSkipPhase(phaseID string) bool {
	if m.state == nil {
		return false
	}
	return m.state.hasCompleted(phaseID) || m.state.hasSkipped(phaseID)
}

// PendingPhases returns the canonical-order phase list minus completed and
// skipped phases. Resume-idempotent: calling it any number of times yields
// the same list.
func (m *Manager) PendingPhases() []string {
	pending := make([]string, 0, len(m.canon))
	for _, id := range m.canon {
		if !m.ShouldSkipPhase(id) {
			pending = append(pending, id)
		}
	}
	return pending
}

// RunPhase is the single integration point between the resolver's plan and
// the ledger's recording: skip-check, record start, invoke the phase body,
// record success with duration or failure with context, and return the
// body's error.
func (m *Manager) RunPhase(ctx context.Context, phaseID, name string, fn func(ctx context.Context) error) error {
	if m.ShouldSkipPhase(phaseID) {
		m.reporter.Info(fmt.Sprintf("phase %s already complete, skipping", name))
		return nil
	}

	if err := m.PhaseStart(phaseID); err != nil {
		return err
	}
	m.reporter.Info(fmt.Sprintf("phase %s starting", name))

	if err := fn(ctx); err != nil {
		step := ""
		if m.state.CurrentStep != nil {
			step = *m.state.CurrentStep
		}
		if serr := m.PhaseFail(phaseID, step, err); serr != nil {
			// The phase failure is the primary error; the bookkeeping
			// failure is logged and explicitly ignored.
			m.logger.Error().Err(serr).Str("phase", phaseID).Msg("failed to persist phase failure")
		}
		m.reporter.Error(fmt.Sprintf("phase %s failed: %v", name, err))
		return err
	}

	if err := m.PhaseComplete(phaseID); err != nil {
		return err
	}
	m.reporter.Success(fmt.Sprintf("phase %s complete (%.1fs)", name, m.state.PhaseDurations[phaseID]))
	return nil
}

// save persists the state atomically. Callers treat a failure as fatal to
// the surrounding operation; there is deliberately no retry.
func (m *Manager) save() error {
	m.state.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return engine.Permanent(engine.CodeInternal, "failed to encode state", err)
	}
	return fsatomic.WriteFile(m.path, raw, 0o644)
}
