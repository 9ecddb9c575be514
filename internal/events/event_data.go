package events

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// TrainingStartedData contains data for TrainingStarted events
type TrainingStartedData struct {
	JobID         string `json:"job_id"`
	Generation    uint64 `json:"generation"`
	TotalEpisodes int    `json:"total_episodes"`
}

// EventType returns the event type for TrainingStartedData
func (d *TrainingStartedData) EventType() EventType {
	return TrainingStarted
}

// TrainingProgressData contains data for TrainingProgress events
type TrainingProgressData struct {
	JobID           string `json:"job_id"`
	CurrentEpisode  int    `json:"current_episode"`
	TotalEpisodes   int    `json:"total_episodes"`
	ProgressPercent int    `json:"progress_percent"`
}

// EventType returns the event type for TrainingProgressData
func (d *TrainingProgressData) EventType() EventType {
	return TrainingProgress
}

// TrainingCompletedData contains data for TrainingCompleted events
type TrainingCompletedData struct {
	JobID             string  `json:"job_id"`
	FinalBalance      float64 `json:"final_balance"`
	TotalReward       float64 `json:"total_reward"`
	EpisodesCompleted int     `json:"episodes_completed"`
}

// EventType returns the event type for TrainingCompletedData
func (d *TrainingCompletedData) EventType() EventType {
	return TrainingCompleted
}

// TrainingFailedData contains data for TrainingFailed events
type TrainingFailedData struct {
	JobID    string `json:"job_id"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error"`
}

// EventType returns the event type for TrainingFailedData
func (d *TrainingFailedData) EventType() EventType {
	return TrainingFailed
}

// TrainingStoppedData contains data for TrainingStopped events
type TrainingStoppedData struct {
	JobID          string `json:"job_id"`
	CurrentEpisode int    `json:"current_episode"`
}

// EventType returns the event type for TrainingStoppedData
func (d *TrainingStoppedData) EventType() EventType {
	return TrainingStopped
}

// WorkerOutputData carries one diagnostic (stderr) line from the worker
type WorkerOutputData struct {
	JobID string `json:"job_id"`
	Line  string `json:"line"`
}

// EventType returns the event type for WorkerOutputData
func (d *WorkerOutputData) EventType() EventType {
	return WorkerOutput
}

// DatasetUploadedData contains data for DatasetUploaded events
type DatasetUploadedData struct {
	Filename string  `json:"filename"`
	Rows     int     `json:"rows"`
	LastSMA  float64 `json:"last_sma,omitempty"`
}

// EventType returns the event type for DatasetUploadedData
func (d *DatasetUploadedData) EventType() EventType {
	return DatasetUploaded
}

// DatasetRejectedData contains data for DatasetRejected events
type DatasetRejectedData struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// EventType returns the event type for DatasetRejectedData
func (d *DatasetRejectedData) EventType() EventType {
	return DatasetRejected
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// GetTypedData converts the bus payload back to its typed EventData.
// Returns nil for unknown types or undecodable payloads.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	var data EventData
	switch e.Type {
	case TrainingStarted:
		data = &TrainingStartedData{}
	case TrainingProgress:
		data = &TrainingProgressData{}
	case TrainingCompleted:
		data = &TrainingCompletedData{}
	case TrainingFailed:
		data = &TrainingFailedData{}
	case TrainingStopped:
		data = &TrainingStoppedData{}
	case WorkerOutput:
		data = &WorkerOutputData{}
	case DatasetUploaded:
		data = &DatasetUploadedData{}
	case DatasetRejected:
		data = &DatasetRejectedData{}
	case ErrorOccurred:
		data = &ErrorEventData{}
	default:
		return nil
	}

	if err := convertMapToStruct(e.Data, data); err != nil {
		return nil
	}
	return data
}
