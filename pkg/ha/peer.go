package ha

import (
	"fmt"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/rs/zerolog"
)

// PeerCoordinator watches the cluster's membership events and releases
// any WorkItem still leased to a peer that just left or went down, so the
// rest of the cluster can reclaim it. Leases have no timeout: an item
// taken by a server stays unclaimable by others until it is released.
type PeerCoordinator struct {
	store  Store
	broker *events.Broker
	sub    events.Subscriber
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewPeerCoordinator builds a coordinator over broker.
func NewPeerCoordinator(store Store, broker *events.Broker) *PeerCoordinator {
	return &PeerCoordinator{
		store:  store,
		broker: broker,
		logger: log.WithComponent("ha-peer"),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the broker and begins handling membership events.
func (p *PeerCoordinator) Start() {
	p.sub = p.broker.Subscribe()
	go p.run()
}

// Stop unsubscribes from the broker and stops handling events.
func (p *PeerCoordinator) Stop() {
	close(p.stopCh)
}

func (p *PeerCoordinator) run() {
	defer p.broker.Unsubscribe(p.sub)
	for {
		select {
		case event, ok := <-p.sub:
			if !ok {
				return
			}
			p.handle(event)
		case <-p.stopCh:
			return
		}
	}
}

func (p *PeerCoordinator) handle(event *events.Event) {
	switch event.Type {
	case events.EventNodeLeft, events.EventNodeDown:
		peerID := event.Metadata["node_id"]
		if peerID == "" {
			return
		}
		if err := p.store.ReleaseWorkItems(peerID); err != nil {
			p.logger.Error().Err(err).Str("peer_id", peerID).Msg("failed to release work items held by departed peer")
			return
		}
		p.logger.Info().Str("peer_id", peerID).Msg("released work items held by departed peer")
		p.broker.Publish(&events.Event{
			Type:     events.EventWorkItemReleased,
			Message:  fmt.Sprintf("work items held by %s released", peerID),
			Metadata: map[string]string{"peer_id": peerID},
		})
	}
}
