package scanner

import "time"

// ProgressEvent describes one probe of a pass.
type ProgressEvent struct {
	SessionID    string    `json:"session_id,omitempty"`
	Domain       string    `json:"domain"`
	Pass         int       `json:"pass"`
	ID           int64     `json:"id"`
	URL          string    `json:"url"`
	FinalURL     string    `json:"final_url,omitempty"`
	Verdict      string    `json:"verdict"`
	Reason       string    `json:"reason,omitempty"`
	Name         string    `json:"name,omitempty"`
	New          bool      `json:"new,omitempty"`
	Misses       int       `json:"consecutive_misses"`
	Hits         int       `json:"consecutive_hits"`
	Found        int       `json:"found"`
	Attempts     int       `json:"attempts"`
	RetryUsed    bool      `json:"retry_used,omitempty"`
	TransportErr string    `json:"transport_error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProgressSink receives progress events. Report is called synchronously from
// the scanning goroutine and must not block for long.
type ProgressSink interface {
	Report(evt ProgressEvent)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(evt ProgressEvent)

// Report calls f(evt).
func (f ProgressFunc) Report(evt ProgressEvent) { f(evt) }
