package apiclient

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"netpulse/pkg/progress"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("api unavailable")

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// Client reports whether the error was caused by the request itself (4xx).
func (e *APIError) Client() bool { return e.Status >= 400 && e.Status < 500 }

// TestConfig is the per-run parameter block sent with every initiation.
type TestConfig struct {
	TestDuration          int `json:"testDuration"`
	LatencyTests          int `json:"latencyTests"`
	ConcurrentConnections int `json:"concurrentConnections"`
}

// DefaultTestConfig matches the backend's own defaults.
func DefaultTestConfig() TestConfig {
	return TestConfig{TestDuration: 15, LatencyTests: 10, ConcurrentConnections: 4}
}

type StartRequest struct {
	SessionToken string     `json:"sessionToken"`
	TestConfig   TestConfig `json:"testConfig"`
}

// StartResponse is either a synchronous result or a bare acknowledgement; in
// the latter case the outcome arrives over the push transport.
type StartResponse struct {
	Results  *progress.Results  `json:"results,omitempty"`
	Metadata *progress.Metadata `json:"metadata,omitempty"`
	Message  string             `json:"message,omitempty"`
}

func (r *StartResponse) HasResults() bool { return r != nil && r.Results != nil }

type ISPStatistics struct {
	AverageDownload  *float64 `json:"averageDownload,omitempty"`
	ReliabilityScore *float64 `json:"reliabilityScore,omitempty"`
}

// ISPEntry is one row of the ISP ranking table. The backend has shipped two
// shapes over time; the accessors hide the difference.
type ISPEntry struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Region      string         `json:"region,omitempty"`
	Statistics  *ISPStatistics `json:"statistics,omitempty"`
	AvgSpeed    float64        `json:"avgSpeed,omitempty"`
	Reliability float64        `json:"reliability,omitempty"`
}

func (e ISPEntry) Label() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

// Speed is the average download in Mbps.
func (e ISPEntry) Speed() float64 {
	if e.Statistics != nil && e.Statistics.AverageDownload != nil && *e.Statistics.AverageDownload != 0 {
		return *e.Statistics.AverageDownload
	}
	return e.AvgSpeed
}

// ReliabilityPct is the reliability score in percent.
func (e ISPEntry) ReliabilityPct() float64 {
	if e.Statistics != nil && e.Statistics.ReliabilityScore != nil && *e.Statistics.ReliabilityScore != 0 {
		return *e.Statistics.ReliabilityScore
	}
	return e.Reliability
}

type Location struct {
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// NetworkInfo describes the client's connection as seen by the backend.
type NetworkInfo struct {
	IP             string    `json:"ip"`
	ISP            string    `json:"isp"`
	ConnectionType string    `json:"connectionType"`
	Location       *Location `json:"location,omitempty"`
}

const unknown = "Unknown"

// UnknownNetwork is shown until network info is fetched.
func UnknownNetwork() NetworkInfo {
	return NetworkInfo{IP: unknown, ISP: "Detecting...", ConnectionType: unknown}
}

// withDefaults fills every missing field with a display placeholder.
func (n NetworkInfo) withDefaults() NetworkInfo {
	if n.ISP == "" {
		n.ISP = "Unknown ISP"
	}
	if n.ConnectionType == "" {
		n.ConnectionType = unknown
	}
	if n.IP == "" {
		n.IP = unknown
	}
	loc := Location{City: unknown, Country: unknown}
	if n.Location != nil {
		if n.Location.City != "" {
			loc.City = n.Location.City
		}
		if n.Location.Country != "" {
			loc.Country = n.Location.Country
		}
	}
	n.Location = &loc
	return n
}

// Place renders "City, Country".
func (n NetworkInfo) Place() string {
	if n.Location == nil {
		return unknown + ", " + unknown
	}
	return n.Location.City + ", " + n.Location.Country
}

// normalizeEntry derives the hour bucket for entries the backend sent
// without one.
func normalizeEntry(e progress.HistoryEntry) progress.HistoryEntry {
	if e.Time != "" {
		return e
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
		e.Timestamp = ts
	}
	e.Hour = ts.Local().Hour()
	e.Time = strconv.Itoa(e.Hour) + ":00"
	return e
}
