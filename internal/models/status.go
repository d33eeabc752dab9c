// internal/models/status.go
package models

import (
	"time"
)

// StatusMessage represents a status update for a task or the orchestrator
type StatusMessage struct {
	Type      string    `json:"type"`      // "orchestrator" or "task"
	ID        string    `json:"id"`        // orchestrator id or task id
	Status    string    `json:"status"`    // current status of the entity
	Timestamp time.Time `json:"timestamp"` // when the status was updated
	Metadata  any       `json:"metadata"`  // entity-specific information
}

// TaskEvent is the metadata attached to a task status message
type TaskEvent struct {
	Pipeline    string     `json:"pipeline"`
	StageIndex  int        `json:"stageIndex"`
	TotalStages int        `json:"totalStages"`
	Error       *ErrorInfo `json:"errorInfo,omitempty"`
}

// SystemStatus represents the current state of the orchestrator
type SystemStatus struct {
	OrchestratorID    string    `json:"orchestratorId"`
	ActiveRuns        int64     `json:"activeRuns"`
	QueuedRuns        int64     `json:"queuedRuns"`
	CompletedRuns     int64     `json:"completedRuns"`
	FailedRuns        int64     `json:"failedRuns"`
	MaxConcurrentRuns int       `json:"maxConcurrentRuns"`
	Accepting         bool      `json:"accepting"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type OrchestratorEventType string

const (
	OrchestratorStarted  OrchestratorEventType = "STARTED"
	OrchestratorStopping OrchestratorEventType = "STOPPING"
	OrchestratorStopped  OrchestratorEventType = "STOPPED"
	OrchestratorHealthy  OrchestratorEventType = "HEALTHY"
)

type OrchestratorStatus struct {
	ID                string                `json:"id"`
	Event             OrchestratorEventType `json:"event"`
	Timestamp         time.Time             `json:"timestamp"`
	MaxConcurrentRuns int                   `json:"maxConcurrentRuns"`
	ActiveRuns        int64                 `json:"activeRuns"`
	HealthStatus      string                `json:"healthStatus"`
}
