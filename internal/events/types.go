// Package events provides the in-process event bus used to fan training and
// dataset lifecycle changes out to streaming clients and background services.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Training lifecycle
	TrainingStarted   EventType = "TRAINING_STARTED"
	TrainingProgress  EventType = "TRAINING_PROGRESS"
	TrainingCompleted EventType = "TRAINING_COMPLETED"
	TrainingFailed    EventType = "TRAINING_FAILED"
	TrainingStopped   EventType = "TRAINING_STOPPED"
	WorkerOutput      EventType = "WORKER_OUTPUT"

	// Dataset
	DatasetUploaded EventType = "DATASET_UPLOADED"
	DatasetRejected EventType = "DATASET_REJECTED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type a stream subscriber can ask for.
var AllTypes = []EventType{
	TrainingStarted,
	TrainingProgress,
	TrainingCompleted,
	TrainingFailed,
	TrainingStopped,
	WorkerOutput,
	DatasetUploaded,
	DatasetRejected,
	ErrorOccurred,
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
