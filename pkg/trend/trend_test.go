package trend

import (
	"testing"

	"netpulse/pkg/progress"
)

func TestHeatmapFallsBackToBase(t *testing.T) {
	cells := Heatmap(nil)
	if cells[0].Speed != 186 || cells[23].Speed != 123 {
		t.Fatalf("unexpected base pattern: %v %v", cells[0].Speed, cells[23].Speed)
	}
	if cells[7].Label != "7:00" || cells[7].Samples != 0 {
		t.Fatalf("unexpected cell %+v", cells[7])
	}
}

func TestHeatmapAveragesHour(t *testing.T) {
	h := []progress.HistoryEntry{
		{Hour: 3, Download: 100},
		{Hour: 3, Download: 300},
		{Hour: 5, Download: 900},
		{Hour: 40, Download: 1},
	}
	cells := Heatmap(h)
	if cells[3].Speed != 200 || cells[3].Samples != 2 {
		t.Fatalf("unexpected hour 3: %+v", cells[3])
	}
	if cells[3].Intensity != 0.5 {
		t.Fatalf("expected intensity 0.5, got %v", cells[3].Intensity)
	}
	if cells[5].Intensity != 1 {
		t.Fatalf("expected capped intensity, got %v", cells[5].Intensity)
	}
}

func TestIntensityFloor(t *testing.T) {
	if got := Intensity(0); got != 0.1 {
		t.Fatalf("expected 0.1, got %v", got)
	}
}

func TestSpeedGrade(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{301, "Excellent"},
		{300, "Good"},
		{101, "Good"},
		{100, "Fair"},
		{50.5, "Fair"},
		{50, "Poor"},
		{0, "Poor"},
	}
	for _, tt := range tests {
		if got := SpeedGrade(tt.in); got != tt.want {
			t.Fatalf("SpeedGrade(%v) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}

func TestQualityBand(t *testing.T) {
	tests := []struct {
		in   float64
		want Band
	}{
		{95, BandExcellent},
		{90, BandExcellent},
		{85, BandGood},
		{70, BandFair},
		{69.9, BandPoor},
	}
	for _, tt := range tests {
		if got := QualityBand(tt.in); got != tt.want {
			t.Fatalf("QualityBand(%v) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatStage(t *testing.T) {
	tests := map[progress.Stage]string{
		progress.StagePacketLoss:      "Packet Loss",
		progress.StageServerSelection: "Server Selection",
		progress.StageDownload:        "Download",
		"":                            "",
	}
	for in, want := range tests {
		if got := FormatStage(in); got != want {
			t.Fatalf("FormatStage(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestChartOldestFirst(t *testing.T) {
	h := []progress.HistoryEntry{
		{Time: "14:00", Download: 3, Latency: 30},
		{Time: "13:00", Download: 2, Latency: 20},
		{Time: "12:00", Download: 1, Latency: 10},
	}
	pts := Chart(h, MetricLatency)
	if len(pts) != 3 || pts[0].Label != "12:00" || pts[0].Value != 10 || pts[2].Value != 30 {
		t.Fatalf("unexpected chart %+v", pts)
	}
	if _, ok := ParseMetric("bogus"); ok {
		t.Fatalf("expected bogus metric to be rejected")
	}
}
