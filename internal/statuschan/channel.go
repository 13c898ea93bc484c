package statuschan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"go.uber.org/zap"
)

// State is the lifecycle of a Channel.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Active
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return "unsubscribed"
	}
}

var (
	// ErrNotSubscribed is returned by Unsubscribe when there is nothing to release.
	ErrNotSubscribed = errors.New("status channel not subscribed")
	// ErrAlreadySubscribed is returned by Subscribe on a channel that is in use.
	ErrAlreadySubscribed = errors.New("status channel already subscribed")
)

// Stream is an open status feed for one order.
type Stream interface {
	// Next blocks until the next event arrives or the stream fails.
	Next() (*models.StatusEvent, error)
	Close() error
}

// Transport opens status streams.
type Transport interface {
	Open(ctx context.Context, orderID int64) (Stream, error)
}

// Listener receives status events in the order the backend emitted them.
// Repeats are possible.
type Listener func(event *models.StatusEvent)

// Channel is a push subscription to one order's status. A Channel can be
// reused after it returns to Unsubscribed.
type Channel struct {
	transport Transport

	mu       sync.Mutex
	state    State
	orderID  int64
	stream   Stream
	listener Listener
	stopped  bool
	done     chan struct{}
	err      error

	logger *zap.Logger
}

func New(transport Transport) *Channel {
	return &Channel{
		transport: transport,
		logger:    util.Named("status-channel"),
	}
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe opens the stream for orderID and starts delivering events to
// listener. A failure leaves the channel Unsubscribed and is not retried.
func (c *Channel) Subscribe(ctx context.Context, orderID int64, listener Listener) error {
	c.mu.Lock()
	if c.state != Unsubscribed {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.state = Subscribing
	c.orderID = orderID
	c.mu.Unlock()

	stream, err := c.transport.Open(ctx, orderID)
	if err != nil {
		c.mu.Lock()
		c.state = Unsubscribed
		c.mu.Unlock()
		c.logger.Warn("Subscribe failed", zap.Int64("order_id", orderID), zap.Error(err))
		return fmt.Errorf("subscribe to order %d: %w", orderID, err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.state = Active
	c.stream = stream
	c.listener = listener
	c.stopped = false
	c.done = done
	c.err = nil
	c.mu.Unlock()

	c.logger.Debug("Subscribed", zap.Int64("order_id", orderID))
	go c.readLoop(stream, done)
	return nil
}

// Unsubscribe releases the stream. Events not yet dispatched are dropped; a
// listener call already dispatched is not revoked. After a transport drop
// the stream is already released and ErrNotSubscribed is returned.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.state = Unsubscribed
	c.stopped = true
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if err := stream.Close(); err != nil {
		c.logger.Debug("Stream close failed", zap.Error(err))
	}
	return nil
}

// Done is closed when the current subscription ends for any reason.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err reports why the last subscription ended. It is nil after Unsubscribe.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) readLoop(stream Stream, done chan struct{}) {
	defer close(done)

	for {
		event, err := stream.Next()
		if err != nil {
			c.dropped(stream, err)
			return
		}
		util.StatusEventsReceivedTotal.Inc()

		c.mu.Lock()
		live := !c.stopped && c.stream == stream
		listener := c.listener
		c.mu.Unlock()
		if !live {
			return
		}
		listener(event)
	}
}

// dropped moves the channel to Unsubscribed after a transport failure. A
// failure caused by Unsubscribe closing the stream is not reported.
func (c *Channel) dropped(stream Stream, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.stream != stream {
		return
	}
	c.state = Unsubscribed
	c.stream = nil
	c.err = err
	_ = stream.Close()
	c.logger.Warn("Status stream dropped", zap.Int64("order_id", c.orderID), zap.Error(err))
}
