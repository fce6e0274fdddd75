// Package trend derives display aggregates from the result history.
package trend

import (
	"fmt"
	"slices"
	"strings"

	"netpulse/pkg/progress"
)

// heatmapBase is the per-hour download baseline (Mbps) shown for hours
// without any measurement.
var heatmapBase = [24]float64{
	186, 223, 199, 207, 194, 207, 196, 184, 156, 146, 143, 217,
	199, 181, 179, 219, 209, 189, 195, 120, 115, 128, 112, 123,
}

// heatmapScale is the speed that maps to full intensity.
const heatmapScale = 400.0

type HourCell struct {
	Hour      int     `json:"hour"`
	Label     string  `json:"label"`
	Speed     float64 `json:"speed"`
	Intensity float64 `json:"intensity"`
	Samples   int     `json:"samples"`
}

// Heatmap returns one cell per hour of day. Hours with measurements show the
// mean download speed; the rest fall back to the baseline pattern.
func Heatmap(history []progress.HistoryEntry) [24]HourCell {
	var sum [24]float64
	var n [24]int
	for _, e := range history {
		if e.Hour < 0 || e.Hour > 23 {
			continue
		}
		sum[e.Hour] += e.Download
		n[e.Hour]++
	}

	var out [24]HourCell
	for h := range out {
		speed := heatmapBase[h]
		if n[h] > 0 {
			speed = sum[h] / float64(n[h])
		}
		out[h] = HourCell{
			Hour:      h,
			Label:     fmt.Sprintf("%d:00", h),
			Speed:     speed,
			Intensity: Intensity(speed),
			Samples:   n[h],
		}
	}
	return out
}

// Intensity maps a speed to [0.1, 1].
func Intensity(speed float64) float64 {
	return max(0.1, min(speed, heatmapScale)/heatmapScale)
}

// SpeedGrade labels a download speed in Mbps.
func SpeedGrade(mbps float64) string {
	switch {
	case mbps > 300:
		return "Excellent"
	case mbps > 100:
		return "Good"
	case mbps > 50:
		return "Fair"
	default:
		return "Poor"
	}
}

// Band is a quality-score bucket.
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandFair      Band = "fair"
	BandPoor      Band = "poor"
)

func QualityBand(score float64) Band {
	switch {
	case score >= 90:
		return BandExcellent
	case score >= 80:
		return BandGood
	case score >= 70:
		return BandFair
	default:
		return BandPoor
	}
}

// FormatStage renders a stage for display: "packet_loss" becomes "Packet Loss".
func FormatStage(s progress.Stage) string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Metric selects a charted history column.
type Metric string

const (
	MetricDownload     Metric = "download"
	MetricUpload       Metric = "upload"
	MetricLatency      Metric = "latency"
	MetricJitter       Metric = "jitter"
	MetricPacketLoss   Metric = "packetLoss"
	MetricQualityScore Metric = "qualityScore"
)

func ParseMetric(s string) (Metric, bool) {
	m := Metric(s)
	switch m {
	case MetricDownload, MetricUpload, MetricLatency, MetricJitter, MetricPacketLoss, MetricQualityScore:
		return m, true
	}
	return "", false
}

func (m Metric) value(e progress.HistoryEntry) float64 {
	switch m {
	case MetricUpload:
		return e.Upload
	case MetricLatency:
		return e.Latency
	case MetricJitter:
		return e.Jitter
	case MetricPacketLoss:
		return e.PacketLoss
	case MetricQualityScore:
		return e.QualityScore
	default:
		return e.Download
	}
}

type Point struct {
	Label string  `json:"time"`
	Value float64 `json:"value"`
}

// Chart returns metric over history, oldest first. History is stored newest
// first.
func Chart(history []progress.HistoryEntry, m Metric) []Point {
	out := make([]Point, 0, len(history))
	for _, e := range slices.Backward(history) {
		out = append(out, Point{Label: e.Time, Value: m.value(e)})
	}
	return out
}
