package progress

import (
	"slices"
	"testing"
)

func TestWindowPushEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w = w.Push(float64(i))
	}
	if got := w.Values(); !slices.Equal(got, []float64{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
	if last, ok := w.Last(); !ok || last != 5 {
		t.Fatalf("expected last 5, got %v %v", last, ok)
	}
}

func TestWindowPushSharesNothing(t *testing.T) {
	a := NewWindow(4).Push(1).Push(2)
	b := a.Push(3)
	c := a.Push(9)
	if !slices.Equal(b.Values(), []float64{1, 2, 3}) || !slices.Equal(c.Values(), []float64{1, 2, 9}) {
		t.Fatalf("branches interfere: %v %v", b.Values(), c.Values())
	}
	if a.Len() != 2 {
		t.Fatalf("receiver modified, len=%d", a.Len())
	}
}

func TestWindowClearKeepsCap(t *testing.T) {
	w := NewWindow(20).Push(1).Clear()
	if w.Len() != 0 || w.Cap() != 20 {
		t.Fatalf("unexpected cleared window len=%d cap=%d", w.Len(), w.Cap())
	}
	if _, ok := w.Last(); ok {
		t.Fatalf("expected no last sample")
	}
}

func TestWindowMarshalJSON(t *testing.T) {
	b, err := NewWindow(2).MarshalJSON()
	if err != nil || string(b) != "[]" {
		t.Fatalf("expected [], got %s (%v)", b, err)
	}
	b, err = NewWindow(2).Push(1.5).Push(2).MarshalJSON()
	if err != nil || string(b) != "[1.5,2]" {
		t.Fatalf("expected [1.5,2], got %s (%v)", b, err)
	}
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		term bool
	}{
		{"idle", true, false},
		{"download", true, false},
		{"packet_loss", true, false},
		{"complete", true, true},
		{"error", true, true},
		{"Download", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		st, ok := ParseStage(tt.in)
		if ok != tt.ok {
			t.Fatalf("ParseStage(%q) ok=%v, expected %v", tt.in, ok, tt.ok)
		}
		if ok && st.Terminal() != tt.term {
			t.Fatalf("%q terminal=%v, expected %v", tt.in, st.Terminal(), tt.term)
		}
	}
	if StageDownload.Index() <= StageLatency.Index() || StageError.Index() != -1 {
		t.Fatalf("unexpected stage order")
	}
}
