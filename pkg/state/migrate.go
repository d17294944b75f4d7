package state

import (
	"strconv"
	"strings"
)

// Schema version 1 recorded phases by their numeric position in the then
// canonical order. Version 2 uses stable string IDs so positions can change
// without corrupting history. The mapping below is fixed forever: entry N
// is what position N meant in version 1.
var legacyPhaseIDs = []string{
	"preflight",
	"system_packages",
	"user_setup",
	"filesystem",
	"shell_setup",
	"runtimes",
	"cli_tools",
	"agents",
	"cloud_clients",
	"finalize",
}

// migrateLegacy upgrades a version-1 state in place. Legacy numeric phase
// identifiers are remapped to stable string IDs. Unknown entries are
// preserved verbatim rather than silently dropped; the returned list names
// them so the caller can warn.
func migrateLegacy(s *InstallationState) (unmapped []string) {
	if s.SchemaVersion >= SchemaVersion {
		return nil
	}

	s.CompletedPhases, unmapped = remapPhaseList(s.CompletedPhases, unmapped)
	s.SkippedPhases, unmapped = remapPhaseList(s.SkippedPhases, unmapped)

	if s.CurrentPhase != nil {
		mapped, ok := remapPhaseID(*s.CurrentPhase)
		if !ok {
			unmapped = append(unmapped, *s.CurrentPhase)
		}
		s.CurrentPhase = &mapped
	}
	if s.FailedPhase != nil {
		mapped, ok := remapPhaseID(*s.FailedPhase)
		if !ok {
			unmapped = append(unmapped, *s.FailedPhase)
		}
		s.FailedPhase = &mapped
	}

	if len(s.PhaseDurations) > 0 {
		durations := make(map[string]float64, len(s.PhaseDurations))
		for id, secs := range s.PhaseDurations {
			mapped, ok := remapPhaseID(id)
			if !ok {
				unmapped = append(unmapped, id)
			}
			durations[mapped] = secs
		}
		s.PhaseDurations = durations
	}

	s.SchemaVersion = SchemaVersion
	return unmapped
}

func remapPhaseList(ids []string, unmapped []string) ([]string, []string) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		mapped, ok := remapPhaseID(id)
		if !ok {
			unmapped = append(unmapped, id)
		}
		out = append(out, mapped)
	}
	return out, unmapped
}

// remapPhaseID maps a legacy identifier ("3" or "phase_3") to its stable
// ID. Already-stable IDs pass through unchanged. Unmappable identifiers are
// returned verbatim with ok=false.
func remapPhaseID(id string) (string, bool) {
	for _, stable := range legacyPhaseIDs {
		if id == stable {
			return id, true
		}
	}

	numeric := strings.TrimPrefix(id, "phase_")
	pos, err := strconv.Atoi(numeric)
	if err != nil {
		return id, false
	}

	if pos < 0 || pos >= len(legacyPhaseIDs) {
		return id, false
	}
	return legacyPhaseIDs[pos], true
}
