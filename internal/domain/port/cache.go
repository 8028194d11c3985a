package port

import (
	"context"

	"github.com/thekingoffamily/TSOS/internal/domain/entity"
)

// StatusCache keeps the latest task status hot for the polling API.
type StatusCache interface {
	SetStatus(ctx context.Context, msg entity.TaskStatusMessage) error
}
