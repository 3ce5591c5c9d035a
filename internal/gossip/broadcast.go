package gossip

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport delivers raw messages to connected peers. Outgoing peers are
// the ones this node dialed, incoming the ones that dialed it.
type Transport interface {
	OutgoingPeers() []string
	IncomingPeers() []string
	Send(ctx context.Context, peer string, data []byte) error
}

// Broadcaster sends a message to every peer with a small delay between
// sends
type Broadcaster struct {
	transport Transport
	pace      time.Duration
	logger    *logrus.Logger
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster(transport Transport, pace time.Duration, logger *logrus.Logger) *Broadcaster {
	if pace <= 0 {
		pace = DefaultBroadcastPace
	}
	return &Broadcaster{transport: transport, pace: pace, logger: logger}
}

// Broadcast sends data to outgoing then incoming peers, skipping exclude.
// It returns the number of successful sends.
func (b *Broadcaster) Broadcast(ctx context.Context, data []byte, exclude string) int {
	sent := 0
	first := true
	for _, group := range [][]string{b.transport.OutgoingPeers(), b.transport.IncomingPeers()} {
		for _, peer := range group {
			if peer == exclude {
				continue
			}
			if !first {
				select {
				case <-time.After(b.pace):
				case <-ctx.Done():
					return sent
				}
			}
			first = false

			if err := b.transport.Send(ctx, peer, data); err != nil {
				b.logger.WithError(err).WithField("peer", peer).Debug("Failed to send message to peer")
				continue
			}
			sent++
		}
	}
	return sent
}

// SendTo delivers data to a single peer
func (b *Broadcaster) SendTo(ctx context.Context, peer string, data []byte) error {
	return b.transport.Send(ctx, peer, data)
}
