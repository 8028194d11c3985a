package entity

import "github.com/google/uuid"

// AnalysisRequestMessage is the inbound message from the analysis.requested queue.
// The API half creates the task record in `received` state before publishing this.
type AnalysisRequestMessage struct {
	TaskID    uuid.UUID `json:"task_id"`
	VideoKey  string    `json:"video_key"`
	UserEmail string    `json:"user_email,omitempty"`
}

// TaskStatusMessage is the outbound message published to the analysis.status queue
// and cached in Redis for the polling API.
type TaskStatusMessage struct {
	TaskID          uuid.UUID  `json:"task_id"`
	Status          TaskStatus `json:"status"`
	Provider        string     `json:"provider,omitempty"`
	TotalFrames     int        `json:"total_frames,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	UniquePeople    int        `json:"unique_people"`
	Summary         string     `json:"summary,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// StatusMessageFor snapshots the fields readers poll for.
func StatusMessageFor(t *Task) TaskStatusMessage {
	return TaskStatusMessage{
		TaskID:          t.ID,
		Status:          t.Status,
		Provider:        t.Provider,
		TotalFrames:     t.TotalFrames,
		DurationSeconds: t.DurationSeconds,
		UniquePeople:    t.UniquePeople,
		Summary:         t.Summary,
		ErrorMessage:    t.ErrorMessage,
	}
}
