package dlcchan

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcnode/coordinator/chantypes"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/store"
	"github.com/dlcnode/coordinator/subscribe"
	"github.com/lightningnetwork/lnd/clock"
)

// Transport puts serialized protocol messages on the wire to a peer.
type Transport interface {
	// SendMessage delivers the serialized message to the peer. A
	// delivery failure is recovered by resend-on-reconnect, not by the
	// caller.
	SendMessage(peer *btcec.PublicKey, serialized []byte) error
}

// HandlerConfig assembles the dependencies of the Handler.
type HandlerConfig struct {
	// DB persists the message log and the per-peer last outbound
	// message.
	DB store.Store

	// Notifier is the event source.
	Notifier *notifier.NodeNotifier

	// Manager runs the reconnect duties for a peer.
	Manager *Manager

	// Transport sends messages to peers.
	Transport Transport

	// Clock is the time source.
	Clock clock.Clock
}

// Handler consumes node events and owns the outbound message path: every
// peer-directed message is logged, recorded as the peer's last outbound
// message and then put on the wire. On reconnect the recorded bytes are
// resent verbatim; regenerating the message could produce a different but
// equally valid message both sides would disagree on.
type Handler struct {
	started uint32
	stopped uint32

	cfg HandlerConfig

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewHandler creates a Handler from the given config.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start subscribes to node events and launches the handling goroutine. The
// subscription is reliable: missing a send or store event would desync the
// resend bookkeeping.
func (h *Handler) Start() error {
	if !atomic.CompareAndSwapUint32(&h.started, 0, 1) {
		return nil
	}

	client, err := h.cfg.Notifier.SubscribeEventsReliable()
	if err != nil {
		return err
	}

	h.wg.Add(1)
	go h.eventLoop(client)

	return nil
}

// Stop signals the handler for a graceful shutdown.
func (h *Handler) Stop() {
	if !atomic.CompareAndSwapUint32(&h.stopped, 0, 1) {
		return
	}

	close(h.quit)
	h.wg.Wait()
}

func (h *Handler) eventLoop(client *subscribe.Client) {
	defer h.wg.Done()
	defer client.Cancel()

	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return
			}
			h.handleEvent(update)

		case <-client.Quit():
			return

		case <-h.quit:
			return
		}
	}
}

func (h *Handler) handleEvent(update interface{}) {
	switch event := update.(type) {
	case notifier.ConnectedEvent:
		h.cfg.Manager.OnPeerConnected(event.Peer)

		if err := h.ResendLastMessage(event.Peer); err != nil {
			log.Errorf("Unable to resend last message to %x: %v",
				event.Peer.SerializeCompressed(), err)
		}

	case notifier.SendDlcMessageEvent:
		err := h.sendMessage(event.Peer, event.Message, true)
		if err != nil {
			log.Errorf("Unable to send %v message to %x: %v",
				event.Message.Kind,
				event.Peer.SerializeCompressed(), err)
		}

	case notifier.StoreDlcMessageEvent:
		err := h.sendMessage(event.Peer, event.Message, false)
		if err != nil {
			log.Errorf("Unable to store %v message for %x: %v",
				event.Message.Kind,
				event.Peer.SerializeCompressed(), err)
		}

	case notifier.SendLastDlcMessageEvent:
		if err := h.ResendLastMessage(event.Peer); err != nil {
			log.Errorf("Unable to resend last message to %x: %v",
				event.Peer.SerializeCompressed(), err)
		}
	}
}

// sendMessage records an outbound message and, if send is set, puts it on
// the wire. The log insert and last-outbound upsert happen before the
// network call so a crash mid-send is recovered by resend-on-reconnect.
func (h *Handler) sendMessage(peer *btcec.PublicKey,
	msg *chantypes.DlcMessage, send bool) error {

	serialized := msg.Serialize()

	err := h.cfg.DB.InsertDlcMessage(&chantypes.DlcMessageRecord{
		Hash:      msg.Hash(),
		Peer:      peer,
		Kind:      msg.Kind,
		Inbound:   false,
		Timestamp: h.cfg.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("unable to log message: %w", err)
	}

	err = h.cfg.DB.UpsertLastOutboundMessage(peer, serialized)
	if err != nil {
		return fmt.Errorf("unable to record last outbound message: "+
			"%w", err)
	}

	if !send {
		log.Debugf("Stored %v message for peer %x without sending",
			msg.Kind, peer.SerializeCompressed())
		return nil
	}

	err = h.cfg.Transport.SendMessage(peer, serialized)
	if err != nil {
		// The peer will get the message on its next reconnect.
		log.Warnf("Send of %v message to %x failed, will resend on "+
			"reconnect: %v", msg.Kind,
			peer.SerializeCompressed(), err)
	}

	return nil
}

// ResendLastMessage resends the peer's recorded last outbound message
// byte for byte. A peer with no recorded message is a no-op. Also invoked
// directly by the operator emergency kit.
func (h *Handler) ResendLastMessage(peer *btcec.PublicKey) error {
	serialized, err := h.cfg.DB.GetLastOutboundMessage(peer)
	if err != nil {
		return fmt.Errorf("unable to load last outbound message: %w",
			err)
	}
	if len(serialized) == 0 {
		return nil
	}

	msg, err := chantypes.DeserializeDlcMessage(serialized)
	if err != nil {
		return fmt.Errorf("corrupt last outbound message: %w", err)
	}

	log.Infof("Resending last %v message to peer %x", msg.Kind,
		peer.SerializeCompressed())

	return h.cfg.Transport.SendMessage(peer, serialized)
}
