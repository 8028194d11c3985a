package port

import (
	"context"

	"github.com/google/uuid"

	"github.com/thekingoffamily/TSOS/internal/domain/entity"
)

type TaskRepository interface {
	Load(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	Save(ctx context.Context, task *entity.Task) error
	AppendMetric(ctx context.Context, taskID uuid.UUID, name string, value float64) error
}
