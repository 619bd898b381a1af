package dlcchan

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultCheckInterval is how often the engine is asked to advance pending
// on-chain actions.
const DefaultCheckInterval = 30 * time.Second

// PeriodicChecker drives the engine's periodic check on a fixed interval.
// Messages the check produces are broadcast-only engine actions: they are
// logged and never sent to a peer nor recorded as a last outbound message,
// so a reconnect never replays them.
type PeriodicChecker struct {
	started uint32
	stopped uint32

	engine Engine
	tick   ticker.Ticker

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPeriodicChecker creates a checker driven by the given ticker.
func NewPeriodicChecker(engine Engine, tick ticker.Ticker) *PeriodicChecker {
	return &PeriodicChecker{
		engine: engine,
		tick:   tick,
		quit:   make(chan struct{}),
	}
}

// Start launches the check loop.
func (p *PeriodicChecker) Start() error {
	if !atomic.CompareAndSwapUint32(&p.started, 0, 1) {
		return nil
	}

	p.tick.Resume()

	p.wg.Add(1)
	go p.checkLoop()

	return nil
}

// Stop signals the checker for a graceful shutdown.
func (p *PeriodicChecker) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}

	p.tick.Stop()
	close(p.quit)
	p.wg.Wait()
}

func (p *PeriodicChecker) checkLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.tick.Ticks():
			p.check()

		case <-p.quit:
			return
		}
	}
}

func (p *PeriodicChecker) check() {
	msgs, err := p.engine.PeriodicCheck()
	if err != nil {
		log.Errorf("Periodic check failed: %v", err)
		return
	}

	for _, msg := range msgs {
		log.Infof("Periodic check produced broadcast-only %v action "+
			"on channel %v", msg.Kind, msg.ChannelID)
	}
}
