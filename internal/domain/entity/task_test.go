package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle(t *testing.T) {
	task := NewTask("holiday.mp4", "user1/holiday.mp4")

	assert.Equal(t, TaskStatusReceived, task.Status)
	assert.False(t, task.Status.Terminal())

	require.NoError(t, task.MarkProcessing())
	assert.Equal(t, TaskStatusProcessing, task.Status)

	require.NoError(t, task.MarkCompleted(AnalysisResult{
		Provider:        "openrouter",
		TotalFrames:     240,
		DurationSeconds: 10,
		UniquePeople:    3,
		Summary:         "a | b",
		AnalysisTime:    1.5,
	}))
	assert.Equal(t, TaskStatusCompleted, task.Status)
	assert.True(t, task.Status.Terminal())
	assert.Equal(t, "openrouter", task.Provider)
	assert.Equal(t, 3, task.UniquePeople)
	assert.Equal(t, "a | b", task.Summary)
}

func TestTaskTransitionsAreForwardOnly(t *testing.T) {
	task := NewTask("v.mp4", "v.mp4")

	// received can only advance to processing
	assert.Error(t, task.MarkCompleted(AnalysisResult{}))
	assert.Error(t, task.MarkFailed("boom"))
	assert.Equal(t, TaskStatusReceived, task.Status)

	require.NoError(t, task.MarkProcessing())
	assert.Error(t, task.MarkProcessing())
}

func TestTerminalStatesAbsorb(t *testing.T) {
	completed := NewTask("v.mp4", "v.mp4")
	require.NoError(t, completed.MarkProcessing())
	require.NoError(t, completed.MarkCompleted(AnalysisResult{}))

	assert.Error(t, completed.MarkProcessing())
	assert.Error(t, completed.MarkFailed("late failure"))
	assert.Equal(t, TaskStatusCompleted, completed.Status)

	failed := NewTask("v.mp4", "v.mp4")
	require.NoError(t, failed.MarkProcessing())
	require.NoError(t, failed.MarkFailed("decode error"))

	assert.Error(t, failed.MarkCompleted(AnalysisResult{}))
	assert.Equal(t, TaskStatusFailed, failed.Status)
	assert.Equal(t, "decode error", failed.ErrorMessage)
}

func TestTaskUpdatedAtRefreshes(t *testing.T) {
	task := NewTask("v.mp4", "v.mp4")
	created := task.CreatedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, task.MarkProcessing())

	assert.Equal(t, created, task.CreatedAt)
	assert.True(t, task.UpdatedAt.After(created))
}
