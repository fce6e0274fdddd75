package storage

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"netpulse/pkg/progress"
)

// document is the value stored under each key.
type document struct {
	V       int                     `json:"v"`
	Entries []progress.HistoryEntry `json:"entries"`
}

const documentVersion = 1

func encodeHistory(entries []progress.HistoryEntry) ([]byte, error) {
	if len(entries) > progress.HistoryLimit {
		entries = entries[:progress.HistoryLimit]
	}
	if entries == nil {
		entries = []progress.HistoryEntry{}
	}
	b, err := json.Marshal(document{V: documentVersion, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return b, nil
}

func decodeHistory(b []byte) ([]progress.HistoryEntry, error) {
	if len(b) == 0 {
		return []progress.HistoryEntry{}, nil
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if doc.V > documentVersion {
		return nil, fmt.Errorf("decode history: unsupported version %d", doc.V)
	}
	out := doc.Entries
	if len(out) > progress.HistoryLimit {
		out = out[:progress.HistoryLimit]
	}
	if out == nil {
		out = []progress.HistoryEntry{}
	}
	return out, nil
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("storage: empty key")
	}
	return key, nil
}
