package notify

import (
	"context"

	machines "loomwatch/internal/machines/domain"
)

// MultiPublisher dispatches snapshots to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher constructs a MultiPublisher. Nil entries are skipped.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish forwards the snapshot to all publishers.
func (m *MultiPublisher) Publish(ctx context.Context, snapshot machines.Snapshot) {
	if m == nil {
		return
	}
	for _, publisher := range m.publishers {
		if publisher != nil {
			publisher.Publish(ctx, snapshot)
		}
	}
}
