package progress

import (
	"slices"

	"github.com/goccy/go-json"
)

// Capacities of the bounded sequences.
const (
	LatencyWindow  = 20
	DownloadWindow = 50
	UploadWindow   = 50
	HistoryLimit   = 24
)

// Series holds the live samples of the current run.
type Series struct {
	Latency        Window `json:"latency"`
	DownloadSpeeds Window `json:"downloadSpeeds"`
	UploadSpeeds   Window `json:"uploadSpeeds"`
}

// NewSeries returns empty windows with the standard capacities.
func NewSeries() Series {
	return Series{
		Latency:        NewWindow(LatencyWindow),
		DownloadSpeeds: NewWindow(DownloadWindow),
		UploadSpeeds:   NewWindow(UploadWindow),
	}
}

// State is the folded view of a session's speed tests.
type State struct {
	Stage        Stage           `json:"stage"`
	Progress     float64         `json:"progress"`
	CurrentSpeed float64         `json:"currentSpeed"`
	Server       json.RawMessage `json:"server"`
	Error        string          `json:"error,omitempty"`

	RealTime Series         `json:"realTimeData"`
	Result   TestResult     `json:"currentTest"`
	History  []HistoryEntry `json:"history"`
}

// Initial is the state at mount time.
func Initial() State {
	return State{
		Stage:    StageIdle,
		RealTime: NewSeries(),
		Result:   EmptyResult(),
		History:  []HistoryEntry{},
	}
}

// WithHistory returns s with history replaced by at most HistoryLimit of entries.
func (s State) WithHistory(entries []HistoryEntry) State {
	if len(entries) > HistoryLimit {
		entries = entries[:HistoryLimit]
	}
	s.History = slices.Clone(entries)
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
	return s
}

// Running reports whether a run is in flight.
func (s State) Running() bool { return s.Stage.Active() }

// Clone returns a deep copy, safe to hand to another goroutine.
func (s State) Clone() State {
	cp := s
	cp.Server = slices.Clone(s.Server)
	cp.History = slices.Clone(s.History)
	if cp.History == nil {
		cp.History = []HistoryEntry{}
	}
	return cp
}
