package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thekingoffamily/TSOS/internal/domain/entity"
	"github.com/thekingoffamily/TSOS/internal/domain/fault"
)

type TaskRepository struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func (r *TaskRepository) Create(ctx context.Context, task *entity.Task) error {
	query := `
		INSERT INTO video_tasks (
			id, original_filename, video_key, status, provider,
			total_frames, duration_seconds, unique_people, analysis_time,
			summary, error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := r.pool.Exec(ctx, query,
		task.ID, task.OriginalFilename, task.VideoKey, string(task.Status),
		task.Provider, task.TotalFrames, task.DurationSeconds,
		task.UniquePeople, task.AnalysisTime, task.Summary,
		task.ErrorMessage, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Load(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	query := `
		SELECT id, original_filename, video_key, status, provider,
			total_frames, duration_seconds, unique_people, analysis_time,
			summary, error_message, created_at, updated_at
		FROM video_tasks WHERE id=$1`

	task := &entity.Task{}
	var status string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&task.ID, &task.OriginalFilename, &task.VideoKey, &status,
		&task.Provider, &task.TotalFrames, &task.DurationSeconds,
		&task.UniquePeople, &task.AnalysisTime, &task.Summary,
		&task.ErrorMessage, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Wrap(fault.KindRecordMissing, fmt.Sprintf("task %s not found", id), err)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	task.Status = entity.TaskStatus(status)
	return task, nil
}

// Save writes the whole record in one UPDATE so readers never observe a
// terminal status with half of its fields missing.
func (r *TaskRepository) Save(ctx context.Context, task *entity.Task) error {
	query := `
		UPDATE video_tasks SET
			status=$2, provider=$3, total_frames=$4, duration_seconds=$5,
			unique_people=$6, analysis_time=$7, summary=$8,
			error_message=$9, updated_at=$10
		WHERE id=$1`

	_, err := r.pool.Exec(ctx, query,
		task.ID, string(task.Status), task.Provider, task.TotalFrames,
		task.DurationSeconds, task.UniquePeople, task.AnalysisTime,
		task.Summary, task.ErrorMessage, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (r *TaskRepository) AppendMetric(ctx context.Context, taskID uuid.UUID, name string, value float64) error {
	query := `
		INSERT INTO video_task_metrics (id, task_id, name, value, created_at)
		VALUES ($1, $2, $3, $4, now())`

	_, err := r.pool.Exec(ctx, query, uuid.New(), taskID, name, value)
	if err != nil {
		return fmt.Errorf("append metric %s: %w", name, err)
	}
	return nil
}
