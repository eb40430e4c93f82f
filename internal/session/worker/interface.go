package worker

import (
	"context"

	"github.com/hibiken/asynq"
)

type ConfirmWorker interface {
	HandleMachineConfirm(ctx context.Context, task *asynq.Task) error
}
