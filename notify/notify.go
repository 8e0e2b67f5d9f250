// Package notify defines the outbound notification port through which bus
// events reach connected clients. Delivery is at-most-once and non-durable:
// a client that is not connected when an event fires simply misses it.
package notify

import (
	"github.com/chorusmesh/chorus/bus"
)

// Notifier pushes events to a single addressed client. Implementations must
// be safe for concurrent Deliver calls; a failed delivery is reported, never
// retried.
type Notifier interface {
	// Deliver pushes the event to the named client. Unknown or disconnected
	// clients return an error; the caller decides whether that matters.
	Deliver(clientID string, ev bus.Event) error
}

// ChannelNotifier fans events out to per-client Go channels. It backs tests
// and in-process consumers that want a plain receive loop instead of a
// network connection.
type ChannelNotifier struct {
	chans *clientTable[chan bus.Event]
}

// NewChannelNotifier constructs an empty channel notifier.
func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{chans: newClientTable[chan bus.Event]()}
}

// Subscribe registers a client and returns its receive channel. The channel
// is buffered; a full buffer drops the event rather than blocking delivery.
func (n *ChannelNotifier) Subscribe(clientID string, buffer int) <-chan bus.Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan bus.Event, buffer)
	n.chans.put(clientID, ch)
	return ch
}

// Unsubscribe removes the client and closes its channel.
func (n *ChannelNotifier) Unsubscribe(clientID string) {
	if ch, ok := n.chans.remove(clientID); ok {
		close(ch)
	}
}

// Deliver sends the event to the client's channel without blocking.
func (n *ChannelNotifier) Deliver(clientID string, ev bus.Event) error {
	ch, ok := n.chans.get(clientID)
	if !ok {
		return ErrUnknownClient
	}
	select {
	case ch <- ev:
		return nil
	default:
		return ErrClientBusy
	}
}
