package progress

import (
	"time"

	"github.com/goccy/go-json"
)

// Kind tags an inbound speed-test event.
type Kind string

const (
	KindTestStarted      Kind = "test_started"
	KindStageStarted     Kind = "stage_started"
	KindStageCompleted   Kind = "stage_completed"
	KindLatencySample    Kind = "latency_sample"
	KindDownloadProgress Kind = "download_progress"
	KindUploadProgress   Kind = "upload_progress"
	KindTestCompleted    Kind = "test_completed"
	KindTestError        Kind = "test_error"
)

// Known reports whether the reducer has a rule for k.
func (k Kind) Known() bool {
	switch k {
	case KindTestStarted, KindStageStarted, KindStageCompleted, KindLatencySample,
		KindDownloadProgress, KindUploadProgress, KindTestCompleted, KindTestError:
		return true
	}
	return false
}

// Event is one validated inbound event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	// At is when the event was received; it timestamps history entries.
	At time.Time

	// stage_started / stage_completed
	Stage    Stage
	Progress *float64
	Data     json.RawMessage

	// latency_sample
	Sample     float64
	CurrentAvg float64

	// download_progress / upload_progress
	CurrentSpeed float64

	// test_completed
	Results  *Results
	Server   json.RawMessage
	Metadata *Metadata

	// test_error
	Error string
}

func TestStarted() Event { return Event{Kind: KindTestStarted} }

func StageStarted(stage Stage, pct *float64) Event {
	return Event{Kind: KindStageStarted, Stage: stage, Progress: pct}
}

func StageCompleted(stage Stage, pct float64, data json.RawMessage) Event {
	return Event{Kind: KindStageCompleted, Stage: stage, Progress: &pct, Data: data}
}

func LatencySample(sample, currentAvg float64) Event {
	return Event{Kind: KindLatencySample, Sample: sample, CurrentAvg: currentAvg}
}

func DownloadProgress(mbps float64) Event {
	return Event{Kind: KindDownloadProgress, CurrentSpeed: mbps}
}

func UploadProgress(mbps float64) Event {
	return Event{Kind: KindUploadProgress, CurrentSpeed: mbps}
}

func TestCompleted(r *Results, server json.RawMessage, md *Metadata) Event {
	return Event{Kind: KindTestCompleted, Results: r, Server: server, Metadata: md}
}

func TestError(msg string) Event { return Event{Kind: KindTestError, Error: msg} }

// Percent is a convenience for optional progress values.
func Percent(v float64) *float64 { return &v }
