package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// defaultBufferSize is the number of updates a lossy client may lag behind
// before new updates are dropped for it.
const defaultBufferSize = 20

// Client is used to get notified about updates the caller has subscribed to.
type Client struct {
	// cancel should be called in case the client no longer wants to
	// subscribe for updates from the server.
	cancel func()

	// updates is the buffered delivery channel for a lossy client. It is
	// nil for reliable clients.
	updates chan interface{}

	// reliable is the unbounded delivery queue for a reliable client. It
	// is nil for lossy clients.
	reliable *queue.ConcurrentQueue

	// dropped counts updates dropped because this client lagged too far
	// behind. Only incremented for lossy clients.
	dropped uint64

	quit chan struct{}
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered.
func (c *Client) Updates() <-chan interface{} {
	if c.reliable != nil {
		return c.reliable.ChanOut()
	}

	return c.updates
}

// Dropped returns the number of updates that were dropped because this
// client lagged too far behind the publisher.
func (c *Client) Dropped() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel should be called in case the client no longer wants to subscribe
// for updates from the server.
func (c *Client) Cancel() {
	c.cancel()
}

// Server is a struct that manages a set of subscriptions and their
// corresponding clients. Any update will be delivered to all active clients.
//
// Publishing never blocks the publisher: a lossy client that lags too far
// behind misses updates rather than stalling delivery, while a reliable
// client is backed by an unbounded queue and receives every update.
type Server struct {
	clientCounter uint64 // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	clients       map[uint64]*Client
	clientUpdates chan *clientUpdate

	updates chan interface{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate is an internal message sent to the subscriptionHandler to
// either register a new client for subscription or cancel an existing
// subscription.
type clientUpdate struct {
	// cancel indicates if the update to the client is cancelling an
	// existing client's subscription. If not then this update will be to
	// subscribe a new client.
	cancel bool

	// clientID is the unique identifier for this client. Any further
	// updates (deleting or adding) to this notification client will be
	// dispatched according to the target clientID.
	clientID uint64

	// client is the new client that will receive updates. Will be nil in
	// case this is a cancellation update.
	client *Client
}

// NewServer returns a new Server.
func NewServer() *Server {
	return &Server{
		clients:       make(map[uint64]*Client),
		clientUpdates: make(chan *clientUpdate),
		updates:       make(chan interface{}),
		quit:          make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}

	s.wg.Add(1)
	go s.subscriptionHandler()

	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a lossy Client that will receive updates any time the
// Server is made aware of a new event, as long as the client keeps up with
// delivery. A client lagging more than the internal buffer misses updates.
func (s *Server) Subscribe() (*Client, error) {
	client := &Client{
		updates: make(chan interface{}, defaultBufferSize),
		quit:    make(chan struct{}),
	}

	return s.register(client)
}

// SubscribeReliable returns a Client backed by an unbounded queue that will
// receive every update the server publishes, regardless of how far behind
// the consumer is. Intended for consumers that must not miss events.
func (s *Server) SubscribeReliable() (*Client, error) {
	client := &Client{
		reliable: queue.NewConcurrentQueue(defaultBufferSize),
		quit:     make(chan struct{}),
	}

	return s.register(client)
}

func (s *Server) register(client *Client) (*Client, error) {
	// We'll first atomically obtain the next ID for this client from the
	// incrementing client ID counter.
	clientID := atomic.AddUint64(&s.clientCounter, 1)

	client.cancel = func() {
		select {
		case s.clientUpdates <- &clientUpdate{
			cancel:   true,
			clientID: clientID,
		}:
		case <-s.quit:
			return
		}
	}

	select {
	case s.clientUpdates <- &clientUpdate{
		cancel:   false,
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients.
func (s *Server) SendUpdate(update interface{}) error {
	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// subscriptionHandler is the main handler for the Server. It will handle
// incoming updates and subscriptions, and forward the incoming updates to
// the registered clients.
//
// NOTE: MUST be run as a goroutine.
func (s *Server) subscriptionHandler() {
	defer s.wg.Done()

	for {
		select {
		// If a client update is received, then either a new
		// subscription becomes active, or we cancel an existing one.
		case update := <-s.clientUpdates:
			clientID := update.clientID

			// In case this is a cancellation, stop the client's
			// underlying queue, and remove the client from the
			// set of active subscription clients.
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					if client.reliable != nil {
						client.reliable.Stop()
					}
					close(client.quit)
					delete(s.clients, clientID)
				}

				continue
			}

			// If this was not a cancellation, start the
			// underlying queue if needed and add the client to
			// our set of subscription clients.
			if update.client.reliable != nil {
				update.client.reliable.Start()
			}
			s.clients[update.clientID] = update.client

		// A new update was received, forward it to all active
		// clients without ever blocking on a slow one.
		case upd := <-s.updates:
			for _, client := range s.clients {
				if client.reliable != nil {
					select {
					case client.reliable.ChanIn() <- upd:
					case <-client.quit:
					case <-s.quit:
						return
					}

					continue
				}

				select {
				case client.updates <- upd:
				case <-client.quit:
				default:
					// The client's buffer is full. Drop
					// the update rather than stalling
					// the publisher.
					atomic.AddUint64(&client.dropped, 1)
				}
			}

		// In case the server is shutting down, stop the clients and
		// close the quit channels to notify them.
		case <-s.quit:
			for _, client := range s.clients {
				if client.reliable != nil {
					client.reliable.Stop()
				}
				close(client.quit)
			}
			return
		}
	}
}
