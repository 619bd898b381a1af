package notifier

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/subscribe"
)

// Sender delivers a fire-and-forget push notification to a trader. The
// coordinator never blocks on delivery confirmation, so implementations
// must return promptly and swallow transport errors internally or report
// them through the returned error for logging only.
type Sender interface {
	// Send delivers a notification to the trader identified by their
	// node public key.
	Send(recipient *btcec.PublicKey, title, body string) error
}

// NopSender discards every notification. Used when no push gateway is
// configured.
type NopSender struct{}

// Send implements Sender by doing nothing.
func (NopSender) Send(*btcec.PublicKey, string, string) error {
	return nil
}

// PushDispatcher subscribes to node events and turns the user-facing ones
// into push notifications. Delivery is best effort; a lagging dispatcher
// misses events rather than stalling the publisher.
type PushDispatcher struct {
	started uint32
	stopped uint32

	notifier *NodeNotifier
	sender   Sender

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPushDispatcher wires a Sender to the notifier.
func NewPushDispatcher(notifier *NodeNotifier, sender Sender) *PushDispatcher {
	return &PushDispatcher{
		notifier: notifier,
		sender:   sender,
		quit:     make(chan struct{}),
	}
}

// Start subscribes to node events and launches the dispatch goroutine.
func (p *PushDispatcher) Start() error {
	if !atomic.CompareAndSwapUint32(&p.started, 0, 1) {
		return nil
	}

	client, err := p.notifier.SubscribeEvents()
	if err != nil {
		return err
	}

	p.wg.Add(1)
	go p.dispatch(client)

	return nil
}

// Stop signals the dispatcher for a graceful shutdown.
func (p *PushDispatcher) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}

	close(p.quit)
	p.wg.Wait()
}

func (p *PushDispatcher) dispatch(client *subscribe.Client) {
	defer p.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return
			}

			event, isReady := update.(ChannelReadyEvent)
			if !isReady {
				continue
			}

			err := p.sender.Send(
				event.Counterparty, "Channel ready",
				"Your channel with the coordinator is now "+
					"open.",
			)
			if err != nil {
				log.Warnf("Unable to push channel ready "+
					"notification to %x: %v",
					event.Counterparty.
						SerializeCompressed(),
					err)
			}

		case <-client.Quit():
			return

		case <-p.quit:
			return
		}
	}
}
