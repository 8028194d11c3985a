package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusReceived   TaskStatus = "received"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// validTransitions is the forward-only status graph. Terminal states have
// no outgoing edges.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusReceived:   {TaskStatusProcessing},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed},
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

func (s TaskStatus) canTransitionTo(next TaskStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task tracks one submitted video through its analysis lifecycle.
type Task struct {
	ID               uuid.UUID
	OriginalFilename string
	VideoKey         string
	Status           TaskStatus
	Provider         string
	TotalFrames      int
	DurationSeconds  float64
	UniquePeople     int
	AnalysisTime     float64
	Summary          string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewTask(originalFilename, videoKey string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:               uuid.New(),
		OriginalFilename: originalFilename,
		VideoKey:         videoKey,
		Status:           TaskStatusReceived,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TaskMetric is an append-only named measurement tied to a task.
type TaskMetric struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Name      string
	Value     float64
	CreatedAt time.Time
}

func (t *Task) transition(next TaskStatus) error {
	if !t.Status.canTransitionTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s for task %s", t.Status, next, t.ID)
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *Task) MarkProcessing() error {
	return t.transition(TaskStatusProcessing)
}

// AnalysisResult carries everything a successful run settles at once, so
// the terminal write never exposes a half-filled record.
type AnalysisResult struct {
	Provider        string
	TotalFrames     int
	DurationSeconds float64
	UniquePeople    int
	Summary         string
	AnalysisTime    float64
}

func (t *Task) MarkCompleted(res AnalysisResult) error {
	if err := t.transition(TaskStatusCompleted); err != nil {
		return err
	}
	t.Provider = res.Provider
	t.TotalFrames = res.TotalFrames
	t.DurationSeconds = res.DurationSeconds
	t.UniquePeople = res.UniquePeople
	t.Summary = res.Summary
	t.AnalysisTime = res.AnalysisTime
	return nil
}

func (t *Task) MarkFailed(errMsg string) error {
	if err := t.transition(TaskStatusFailed); err != nil {
		return err
	}
	t.ErrorMessage = errMsg
	return nil
}
