package notifier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/subscribe"
)

// FeeRecorder subscribes to forwarded payment events and writes one routing
// fee record per event.
type FeeRecorder struct {
	started uint32
	stopped uint32

	notifier *NodeNotifier
	fees     store.FeeStore

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewFeeRecorder creates a recorder that persists fees through the given
// store.
func NewFeeRecorder(notifier *NodeNotifier, fees store.FeeStore) *FeeRecorder {
	return &FeeRecorder{
		notifier: notifier,
		fees:     fees,
		quit:     make(chan struct{}),
	}
}

// Start subscribes to node events and launches the recording goroutine.
// Fee records are money, so the subscription is reliable.
func (f *FeeRecorder) Start() error {
	if !atomic.CompareAndSwapUint32(&f.started, 0, 1) {
		return nil
	}

	client, err := f.notifier.SubscribeEventsReliable()
	if err != nil {
		return err
	}

	f.wg.Add(1)
	go f.record(client)

	return nil
}

// Stop signals the recorder for a graceful shutdown.
func (f *FeeRecorder) Stop() {
	if !atomic.CompareAndSwapUint32(&f.stopped, 0, 1) {
		return
	}

	close(f.quit)
	f.wg.Wait()
}

func (f *FeeRecorder) record(client *subscribe.Client) {
	defer f.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return
			}

			event, isFwd := update.(PaymentForwardedEvent)
			if !isFwd {
				continue
			}

			err := f.fees.InsertRoutingFee(&chantypes.RoutingFee{
				AmountMsat:    event.FeeEarnedMsat,
				PrevChannelID: event.PrevChannelID,
				NextChannelID: event.NextChannelID,
				CreatedAt:     time.Now().UTC(),
			})
			if err != nil {
				log.Errorf("Unable to record routing fee of "+
					"%d msat: %v", event.FeeEarnedMsat,
					err)
				continue
			}

			log.Debugf("Recorded routing fee of %d msat (%v -> "+
				"%v)", event.FeeEarnedMsat,
				event.PrevChannelID, event.NextChannelID)

		case <-client.Quit():
			return

		case <-f.quit:
			return
		}
	}
}
