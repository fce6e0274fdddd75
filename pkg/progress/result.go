package progress

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// GradeUnknown is the quality grade used when the backend reported none.
const GradeUnknown = "N/A"

// SpeedMetric is one direction of a throughput measurement, in Mbps.
type SpeedMetric struct {
	Speed       float64 `json:"speed"`
	Consistency float64 `json:"consistency"`
}

// LatencyMetric summarizes round-trip samples in milliseconds.
type LatencyMetric struct {
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Jitter float64 `json:"jitter"`
}

// Quality is the backend's overall score and letter grade.
type Quality struct {
	Score float64 `json:"score"`
	Grade string  `json:"grade"`
}

// Results is the results object carried by a test_completed event or a
// synchronous initiation response. Every sub-object is optional.
type Results struct {
	Download   *SpeedMetric   `json:"download,omitempty"`
	Upload     *SpeedMetric   `json:"upload,omitempty"`
	Latency    *LatencyMetric `json:"latency,omitempty"`
	PacketLoss *float64       `json:"packetLoss,omitempty"`
	Quality    *Quality       `json:"quality,omitempty"`
}

// Metadata accompanies results.
type Metadata struct {
	Server      json.RawMessage `json:"server,omitempty"`
	Reliability *float64        `json:"reliability,omitempty"`
}

// TestResult holds the finalized metrics of one run with every default applied.
type TestResult struct {
	Download    SpeedMetric   `json:"download"`
	Upload      SpeedMetric   `json:"upload"`
	Latency     LatencyMetric `json:"latency"`
	PacketLoss  float64       `json:"packetLoss"`
	Quality     Quality       `json:"quality"`
	Reliability float64       `json:"reliability"`
}

// EmptyResult is the placeholder shown before any run completes.
func EmptyResult() TestResult {
	return TestResult{Quality: Quality{Grade: GradeUnknown}}
}

// NewTestResult fills in defaults for every field the backend omitted.
func NewTestResult(r *Results, md *Metadata) TestResult {
	out := EmptyResult()
	if r != nil {
		if r.Download != nil {
			out.Download = *r.Download
		}
		if r.Upload != nil {
			out.Upload = *r.Upload
		}
		if r.Latency != nil {
			out.Latency = *r.Latency
		}
		if r.PacketLoss != nil {
			out.PacketLoss = *r.PacketLoss
		}
		if r.Quality != nil {
			out.Quality = *r.Quality
			if out.Quality.Grade == "" {
				out.Quality.Grade = GradeUnknown
			}
		}
	}
	if md != nil && md.Reliability != nil {
		out.Reliability = *md.Reliability
	}
	return out
}

// HistoryEntry is the flattened, timestamped projection of a TestResult.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Download     float64   `json:"download"`
	Upload       float64   `json:"upload"`
	Latency      float64   `json:"latency"`
	Jitter       float64   `json:"jitter"`
	PacketLoss   float64   `json:"packetLoss"`
	QualityScore float64   `json:"qualityScore"`
	Hour         int       `json:"hour"`
	Time         string    `json:"time"`
}

// NewHistoryEntry projects res, recorded at, into a history entry tagged with
// the local hour of day.
func NewHistoryEntry(res TestResult, at time.Time) HistoryEntry {
	h := at.Hour()
	return HistoryEntry{
		Timestamp:    at,
		Download:     res.Download.Speed,
		Upload:       res.Upload.Speed,
		Latency:      res.Latency.Avg,
		Jitter:       res.Latency.Jitter,
		PacketLoss:   res.PacketLoss,
		QualityScore: res.Quality.Score,
		Hour:         h,
		Time:         strconv.Itoa(h) + ":00",
	}
}
