// Package progress folds speed-test push events into a progress snapshot.
package progress

// Stage is a named phase of a speed-test run.
type Stage string

const (
	StageIdle            Stage = "idle"
	StageInitializing    Stage = "initializing"
	StageServerSelection Stage = "server_selection"
	StageLatency         Stage = "latency"
	StageDownload        Stage = "download"
	StageUpload          Stage = "upload"
	StagePacketLoss      Stage = "packet_loss"
	StageAnalysis        Stage = "analysis"
	StageComplete        Stage = "complete"
	StageError           Stage = "error"
)

// stageOrder is the nominal order of a run. Error is reachable from any
// non-terminal stage and is therefore not listed.
var stageOrder = []Stage{
	StageIdle,
	StageInitializing,
	StageServerSelection,
	StageLatency,
	StageDownload,
	StageUpload,
	StagePacketLoss,
	StageAnalysis,
	StageComplete,
}

// ParseStage returns the stage named by s and whether it is known.
func ParseStage(s string) (Stage, bool) {
	st := Stage(s)
	if st == StageError {
		return st, true
	}
	for _, known := range stageOrder {
		if known == st {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further event other than a new run can change the state.
func (s Stage) Terminal() bool { return s == StageComplete || s == StageError }

// Active reports whether a run is in flight in this stage.
func (s Stage) Active() bool {
	switch s {
	case StageInitializing, StageServerSelection, StageLatency, StageDownload,
		StageUpload, StagePacketLoss, StageAnalysis:
		return true
	}
	return false
}

// Index returns the position of s in the nominal run order, or -1 for error/unknown.
func (s Stage) Index() int {
	for i, known := range stageOrder {
		if known == s {
			return i
		}
	}
	return -1
}

func (s Stage) String() string { return string(s) }
