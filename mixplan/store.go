package mixplan

import (
	"context"

	"github.com/warp/mixing-engine/ledger"
)

// TaskStore persists production tasks.
type TaskStore interface {
	// GetTask returns a NotFoundError when the task is gone.
	GetTask(ctx context.Context, id ledger.TaskID) (*ProductionTask, error)

	// SaveTask stores task iff the stored Version equals task.Version, then
	// bumps it. A lost race returns ledger.ErrConcurrentModification.
	SaveTask(ctx context.Context, task *ProductionTask) error
}

// TaskPublisher propagates checklist changes to other viewers.
type TaskPublisher interface {
	PublishTask(ctx context.Context, taskID ledger.TaskID, checklist []byte)
}

type nopPublisher struct{}

func (nopPublisher) PublishTask(context.Context, ledger.TaskID, []byte) {}
