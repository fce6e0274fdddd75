package progress

import (
	"slices"
	"time"
)

// Reduce folds ev into s and returns the new state. It never mutates s:
// windows and history are copy-on-write, so the caller may keep the previous
// state around.
//
// Once the stage is terminal every event other than test_started is ignored.
// Progress never decreases within a run.
func Reduce(s State, ev Event) State {
	if s.Stage.Terminal() && ev.Kind != KindTestStarted {
		return s
	}

	switch ev.Kind {
	case KindTestStarted:
		s.Stage = StageServerSelection
		s.Progress = 0
		s.CurrentSpeed = 0
		s.Server = nil
		s.Error = ""
		s.RealTime = clearSeries(s.RealTime)

	case KindStageStarted:
		if !ev.Stage.Active() {
			return s
		}
		s.Stage = ev.Stage
		if ev.Progress != nil {
			s.Progress = mergeProgress(s.Progress, *ev.Progress)
		}

	case KindStageCompleted:
		if ev.Progress != nil {
			s.Progress = mergeProgress(s.Progress, *ev.Progress)
		}
		if ev.Stage == StageServerSelection {
			s.Server = slices.Clone(ev.Data)
		}

	case KindLatencySample:
		s.CurrentSpeed = ev.CurrentAvg
		s.RealTime.Latency = s.RealTime.Latency.Push(ev.Sample)

	case KindDownloadProgress:
		s.CurrentSpeed = ev.CurrentSpeed
		s.RealTime.DownloadSpeeds = s.RealTime.DownloadSpeeds.Push(ev.CurrentSpeed)

	case KindUploadProgress:
		s.CurrentSpeed = ev.CurrentSpeed
		s.RealTime.UploadSpeeds = s.RealTime.UploadSpeeds.Push(ev.CurrentSpeed)

	case KindTestCompleted:
		s.Stage = StageComplete
		s.Progress = 100
		s.CurrentSpeed = 0
		s.Server = slices.Clone(ev.Server)
		s.Result = NewTestResult(ev.Results, ev.Metadata)
		s.History = prependHistory(s.History, NewHistoryEntry(s.Result, eventTime(ev)))

	case KindTestError:
		s.Stage = StageError
		s.Error = ev.Error
	}
	return s
}

// Begin is the local transition for a manually started run. History is kept.
func Begin(s State) State {
	s.Stage = StageInitializing
	s.Progress = 0
	s.CurrentSpeed = 0
	s.Server = nil
	s.Error = ""
	s.RealTime = clearSeries(s.RealTime)
	s.Result = EmptyResult()
	return s
}

// Reset returns to idle, discarding everything but the history.
func Reset(s State) State {
	out := Initial()
	if s.History != nil {
		out.History = s.History
	}
	return out
}

// Fail records a local initiation failure. It behaves like a test_error event
// but is applied even when the stage is already terminal.
func Fail(s State, msg string) State {
	s.Stage = StageError
	s.Error = msg
	return s
}

func mergeProgress(cur, next float64) float64 {
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	if next < cur {
		return cur
	}
	return next
}

func clearSeries(sr Series) Series {
	if sr.Latency.Cap() == 0 {
		return NewSeries()
	}
	return Series{
		Latency:        sr.Latency.Clear(),
		DownloadSpeeds: sr.DownloadSpeeds.Clear(),
		UploadSpeeds:   sr.UploadSpeeds.Clear(),
	}
}

func prependHistory(h []HistoryEntry, e HistoryEntry) []HistoryEntry {
	n := len(h) + 1
	if n > HistoryLimit {
		n = HistoryLimit
	}
	out := make([]HistoryEntry, 0, n)
	out = append(out, e)
	out = append(out, h[:n-1]...)
	return out
}

func eventTime(ev Event) time.Time {
	if ev.At.IsZero() {
		return time.Now()
	}
	return ev.At
}
