package api

import (
	"github.com/mattjoyce/cellgate/internal/journal"
	"github.com/mattjoyce/cellgate/internal/session"
)

// SubmitRequest is the JSON body for POST /submit
type SubmitRequest struct {
	Code   string `json:"code"`
	Hidden bool   `json:"hidden,omitempty"`
}

// SubmitResponse is returned once a cell is queued
type SubmitResponse struct {
	Status string `json:"status"`
	Queued int    `json:"queued"`
}

// RunAllRequest is the JSON body for POST /run-all
type RunAllRequest struct {
	Cells []string `json:"cells"`
}

// RunAllResponse is returned once a batch is queued
type RunAllResponse struct {
	Status string `json:"status"`
	Cells  int    `json:"cells"`
	Queued int    `json:"queued"`
}

// StopResponse is returned by POST /stop
type StopResponse struct {
	Status  string `json:"status"`
	Dropped int    `json:"dropped"`
}

// StatusResponse is returned by GET /status
type StatusResponse = session.Snapshot

// HistoryResponse is returned by GET /history
type HistoryResponse struct {
	Dispatches []journal.Dispatch `json:"dispatches"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	State         string `json:"state"`
	QueueDepth    int    `json:"queue_depth"`
	InFlight      bool   `json:"in_flight"`
	EventsDropped int64  `json:"events_dropped"`
}
