package events

import (
	"context"

	"github.com/genforge/api/internal/model"
)

// Notifier receives every persisted job write.
type Notifier interface {
	JobUpdated(ctx context.Context, job *model.Job)
}

// Fanout forwards each update to all of its notifiers in order.
type Fanout []Notifier

func (f Fanout) JobUpdated(ctx context.Context, job *model.Job) {
	for _, n := range f {
		if n != nil {
			n.JobUpdated(ctx, job)
		}
	}
}
