package api

import (
	"time"

	"catalogscan/internal/orchestrator"
	"catalogscan/internal/scanner"
	"catalogscan/pkg/types"
)

// CreateScanRequest captures the payload used to launch a scan session.
type CreateScanRequest struct {
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

// SessionStatus captures the lifecycle stage of a session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusRunning    SessionStatus = "running"
	SessionStatusCancelling SessionStatus = "cancelling"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
	SessionStatusFailed     SessionStatus = "failed"
)

// SessionSummary surfaces the high-level state of a scan session.
type SessionSummary struct {
	SessionID   string        `json:"session_id"`
	RunID       string        `json:"run_id"`
	InputURL    string        `json:"input_url"`
	Mode        string        `json:"mode"`
	Template    string        `json:"template,omitempty"`
	Status      SessionStatus `json:"status"`
	Pass        int           `json:"pass"`
	LastID      int64         `json:"last_id"`
	Attempts    int           `json:"attempts"`
	Found       int           `json:"found"`
	LastURL     string        `json:"last_url,omitempty"`
	LastName    string        `json:"last_name,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// SessionDetail extends the summary with the report of the last finished run.
type SessionDetail struct {
	Session SessionSummary       `json:"session"`
	Report  *orchestrator.Report `json:"report,omitempty"`
}

// ProductList is the body of the products endpoint.
type ProductList struct {
	Domain   string          `json:"domain"`
	Total    int             `json:"total"`
	Products []types.Product `json:"products"`
}

// ErrorResponse is written for every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// SSEEvent envelopes session state for Server-Sent Event clients.
type SSEEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Session   SessionSummary         `json:"session"`
	Progress  *scanner.ProgressEvent `json:"progress,omitempty"`
}
