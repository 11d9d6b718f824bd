package services

import (
	"context"
	"encoding/json"

	redisclient "github.com/inkforge/inkforge-backend/internal/clients/redis"
	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// PipelineNotifier pushes pipeline events to live observers. The engine
// calls it after each persisted transition and for transient progress.
type PipelineNotifier interface {
	EventPublished(ctx context.Context, ev *types.PipelineEvent)
}

type pipelineNotifier struct {
	bus *redisclient.EventBus
	log *logger.Logger
}

func NewPipelineNotifier(bus *redisclient.EventBus, baseLog *logger.Logger) PipelineNotifier {
	return &pipelineNotifier{
		bus: bus,
		log: baseLog.With("component", "PipelineNotifier"),
	}
}

func (n *pipelineNotifier) EventPublished(ctx context.Context, ev *types.PipelineEvent) {
	if ev == nil || n.bus == nil {
		return
	}
	n.bus.Publish(ctx, redisclient.Envelope{
		Seq:          ev.Seq,
		ExecutionID:  ev.ExecutionID.String(),
		PipelineType: ev.PipelineType,
		EventType:    ev.EventType,
		Data:         json.RawMessage(ev.Data),
	})
}
