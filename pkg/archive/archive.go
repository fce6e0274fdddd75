// Package archive keeps every completed speed-test run in an append-only
// NDJSON file, independent of the short rolling history shown live.
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"netpulse/pkg/progress"
)

// Record schema version written to every line.
const schemaVersion = 1

const (
	DefaultMaxRecords = 5000
	DefaultMaxAgeDays = 90
	DefaultMaxBytes   = 4 * 1024 * 1024
)

// Record is one archived run.
type Record struct {
	V       int    `json:"v"`
	ID      string `json:"id"`
	Session string `json:"session,omitempty"`
	Grade   string `json:"grade,omitempty"`
	progress.HistoryEntry
}

// Archive is safe for concurrent use. A nil Archive or one without a path
// accepts writes and returns no data.
type Archive struct {
	Path       string
	MaxRecords int
	MaxAgeDays int
	MaxBytes   int64

	now func() time.Time
	mu  sync.Mutex
}

func New(path string) *Archive {
	return &Archive{
		Path:       path,
		MaxRecords: DefaultMaxRecords,
		MaxAgeDays: DefaultMaxAgeDays,
		MaxBytes:   DefaultMaxBytes,
	}
}

func (a *Archive) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// Append writes rec, assigning an ID when empty. The file is compacted once
// it grows past MaxBytes.
func (a *Archive) Append(rec Record) error {
	if a == nil || a.Path == "" {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.V = schemaVersion

	a.mu.Lock()
	defer a.mu.Unlock()

	if dir := filepath.Dir(a.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("archive dir: %w", err)
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}
	f, err := os.OpenFile(a.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	_, werr := f.Write(append(b, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append archive record: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close archive: %w", cerr)
	}

	if a.MaxBytes > 0 {
		if st, err := os.Stat(a.Path); err == nil && st.Size() > a.MaxBytes {
			_, _ = a.compactLocked(a.MaxAgeDays)
		}
	}
	return nil
}

// Recent returns up to n records, newest first.
func (a *Archive) Recent(n int) ([]Record, error) {
	if a == nil || a.Path == "" || n <= 0 {
		return nil, nil
	}
	if limit := a.MaxRecords; limit > 0 && n > limit {
		n = limit
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r := newTail[Record](n)
	if err := a.scanLocked(func(rec Record) { r.add(rec) }); err != nil {
		return nil, err
	}
	out := r.ordered()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Stats summarises runs over a window ending now.
type Stats struct {
	Period        string    `json:"period"`
	Count         int       `json:"count"`
	AvgDownload   float64   `json:"avgDownload"`
	MinDownload   float64   `json:"minDownload"`
	MaxDownload   float64   `json:"maxDownload"`
	AvgUpload     float64   `json:"avgUpload"`
	MinUpload     float64   `json:"minUpload"`
	MaxUpload     float64   `json:"maxUpload"`
	AvgLatency    float64   `json:"avgLatency"`
	MinLatency    float64   `json:"minLatency"`
	MaxLatency    float64   `json:"maxLatency"`
	AvgJitter     float64   `json:"avgJitter"`
	AvgPacketLoss float64   `json:"avgPacketLoss"`
	AvgQuality    float64   `json:"avgQuality"`
	First         time.Time `json:"first"`
	Last          time.Time `json:"last"`
}

// Stats24h aggregates the last 24 hours.
func (a *Archive) Stats24h() (Stats, error) {
	return a.StatsSince(24 * time.Hour)
}

func (a *Archive) StatsSince(d time.Duration) (Stats, error) {
	st := Stats{Period: "last " + d.String()}
	if d == 24*time.Hour {
		st.Period = "last 24 hours"
	}
	if a == nil || a.Path == "" {
		return st, nil
	}
	cutoff := a.clock().Add(-d)

	a.mu.Lock()
	defer a.mu.Unlock()

	var sumDown, sumUp, sumLat, sumJit, sumLoss, sumQ float64
	err := a.scanLocked(func(rec Record) {
		if rec.Timestamp.Before(cutoff) {
			return
		}
		st.Count++
		sumDown += rec.Download
		sumUp += rec.Upload
		sumLat += rec.Latency
		sumJit += rec.Jitter
		sumLoss += rec.PacketLoss
		sumQ += rec.QualityScore

		if st.Count == 1 {
			st.MinDownload, st.MaxDownload = rec.Download, rec.Download
			st.MinUpload, st.MaxUpload = rec.Upload, rec.Upload
			st.MinLatency, st.MaxLatency = rec.Latency, rec.Latency
			st.First, st.Last = rec.Timestamp, rec.Timestamp
			return
		}
		st.MinDownload = min(st.MinDownload, rec.Download)
		st.MaxDownload = max(st.MaxDownload, rec.Download)
		st.MinUpload = min(st.MinUpload, rec.Upload)
		st.MaxUpload = max(st.MaxUpload, rec.Upload)
		st.MinLatency = min(st.MinLatency, rec.Latency)
		st.MaxLatency = max(st.MaxLatency, rec.Latency)
		if rec.Timestamp.Before(st.First) {
			st.First = rec.Timestamp
		}
		if rec.Timestamp.After(st.Last) {
			st.Last = rec.Timestamp
		}
	})
	if err != nil {
		return st, err
	}
	if st.Count == 0 {
		return st, nil
	}
	n := float64(st.Count)
	st.AvgDownload = sumDown / n
	st.AvgUpload = sumUp / n
	st.AvgLatency = sumLat / n
	st.AvgJitter = sumJit / n
	st.AvgPacketLoss = sumLoss / n
	st.AvgQuality = sumQ / n
	return st, nil
}

// CleanOlderThan drops records older than days and returns how many lines
// were removed.
func (a *Archive) CleanOlderThan(days int) (int, error) {
	if a == nil || a.Path == "" {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compactLocked(days)
}

func (a *Archive) scanLocked(fn func(Record)) error {
	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		fn(rec)
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	return nil
}

func (a *Archive) compactLocked(keepDays int) (int, error) {
	if keepDays < 1 {
		keepDays = 1
	}
	maxRecords := a.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	cutoff := a.clock().Add(-time.Duration(keepDays) * 24 * time.Hour)

	total := 0
	r := newTail[Record](maxRecords)
	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open archive: %w", err)
	}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		total++
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		r.add(rec)
	}
	_ = f.Close()
	kept := r.ordered()

	tmp := a.Path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open temp archive: %w", err)
	}
	bw := bufio.NewWriter(out)
	for _, rec := range kept {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		_, _ = bw.Write(b)
		_ = bw.WriteByte('\n')
	}
	_ = bw.Flush()
	_ = out.Sync()
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmp, a.Path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("replace archive: %w", err)
	}
	return max(total-len(kept), 0), nil
}

// tail keeps the last n values added.
type tail[T any] struct {
	buf  []T
	next int
	full bool
}

func newTail[T any](n int) *tail[T] {
	return &tail[T]{buf: make([]T, 0, n)}
}

func (t *tail[T]) add(v T) {
	if len(t.buf) < cap(t.buf) {
		t.buf = append(t.buf, v)
		return
	}
	t.buf[t.next] = v
	t.next = (t.next + 1) % len(t.buf)
	t.full = true
}

// ordered returns the kept values oldest first.
func (t *tail[T]) ordered() []T {
	if !t.full {
		return append([]T(nil), t.buf...)
	}
	out := append([]T(nil), t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
