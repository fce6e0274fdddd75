package render

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"netpulse/internal/session"
	"netpulse/pkg/archive"
	"netpulse/pkg/progress"
	"netpulse/pkg/trend"
)

func formatResult(snap session.Snapshot) string {
	r := snap.State.Result
	band := trend.QualityBand(r.Quality.Score)
	return fmt.Sprintf(
		"🚀 Speed Test Results\n"+
			"━━━━━━━━━━━━━━━━━━━━\n"+
			"⬇️  Download: %.2f Mbps (%s, %.0f%% consistent)\n"+
			"⬆️  Upload: %.2f Mbps (%.0f%% consistent)\n"+
			"📡 Latency: %.2f ms (min %.2f / max %.2f)\n"+
			"📊 Jitter: %.2f ms\n"+
			"📦 Packet Loss: %.2f%%\n"+
			"⭐ Quality: %.0f (%s, %s)\n"+
			"🛡️  Reliability: %.0f%%\n"+
			"🖥️  Server: %s\n"+
			"🌐 ISP: %s (%s)",
		r.Download.Speed, trend.SpeedGrade(r.Download.Speed), r.Download.Consistency,
		r.Upload.Speed, r.Upload.Consistency,
		r.Latency.Avg, r.Latency.Min, r.Latency.Max,
		r.Latency.Jitter,
		r.PacketLoss,
		r.Quality.Score, r.Quality.Grade, band,
		r.Reliability,
		serverLabel(snap.State.Server),
		snap.Network.ISP, snap.Network.Place(),
	)
}

func formatStage(st progress.State) string {
	return fmt.Sprintf("⏳ %s (%.0f%%)", trend.FormatStage(st.Stage), st.Progress)
}

func formatSample(st progress.State, kind progress.Kind) string {
	switch kind {
	case progress.KindLatencySample:
		return fmt.Sprintf("   📡 %.1f ms avg", st.CurrentSpeed)
	case progress.KindUploadProgress:
		return fmt.Sprintf("   ⬆️  %.1f Mbps", st.CurrentSpeed)
	default:
		return fmt.Sprintf("   ⬇️  %.1f Mbps", st.CurrentSpeed)
	}
}

// FormatStats renders archive statistics for the terminal.
func FormatStats(stats archive.Stats) string {
	if stats.Count == 0 {
		return "📊 No speed test data available for the last " + stats.Period
	}
	return fmt.Sprintf(
		"📊 Speed Test Statistics (%s)\n"+
			"━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"+
			"📈 Tests: %d\n"+
			"⏰ Period: %s → %s\n\n"+
			"⬇️  Download:\n"+
			"   • Average: %.2f Mbps\n"+
			"   • Maximum: %.2f Mbps\n"+
			"   • Minimum: %.2f Mbps\n\n"+
			"⬆️  Upload:\n"+
			"   • Average: %.2f Mbps\n"+
			"   • Maximum: %.2f Mbps\n"+
			"   • Minimum: %.2f Mbps\n\n"+
			"📡 Latency:\n"+
			"   • Average: %.2f ms\n"+
			"   • Maximum: %.2f ms\n"+
			"   • Minimum: %.2f ms\n\n"+
			"📊 Jitter: %.2f ms\n"+
			"📦 Packet Loss: %.2f%%\n"+
			"⭐ Quality: %.0f",
		stats.Period,
		stats.Count,
		stats.First.Format("2006-01-02 15:04"),
		stats.Last.Format("2006-01-02 15:04"),
		stats.AvgDownload, stats.MaxDownload, stats.MinDownload,
		stats.AvgUpload, stats.MaxUpload, stats.MinUpload,
		stats.AvgLatency, stats.MaxLatency, stats.MinLatency,
		stats.AvgJitter,
		stats.AvgPacketLoss,
		stats.AvgQuality,
	)
}

// FormatRecent renders archived runs, newest first.
func FormatRecent(recs []archive.Record) string {
	if len(recs) == 0 {
		return "📜 No archived speed tests"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📜 Recent %d Speed Tests\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n", len(recs))
	for i, r := range recs {
		fmt.Fprintf(&b, "\n%d. %s\n   ⬇️  %.2f Mbps | ⬆️  %.2f Mbps | 📡 %.2f ms\n   📦 %.2f%% loss | ⭐ %.0f",
			i+1,
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Download, r.Upload, r.Latency,
			r.PacketLoss, r.QualityScore,
		)
	}
	return b.String()
}

// serverLabel picks a readable name out of the opaque server object.
func serverLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown"
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, k := range []string{"name", "sponsor", "host", "id"} {
			if v, ok := obj[k]; ok {
				label := fmt.Sprint(v)
				if loc, ok := obj["location"].(string); ok && loc != "" {
					label += " (" + loc + ")"
				}
				return label
			}
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}
