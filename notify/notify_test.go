package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusmesh/chorus/bus"
)

func TestChannelNotifier_Deliver(t *testing.T) {
	n := NewChannelNotifier()
	ch := n.Subscribe("client-1", 4)

	ev := bus.NewEvent(bus.TypeMessage, bus.SubTypeChunk)
	require.NoError(t, n.Deliver("client-1", ev))

	got := <-ch
	assert.Equal(t, bus.TypeMessage, got.Type)
}

func TestChannelNotifier_UnknownClient(t *testing.T) {
	n := NewChannelNotifier()
	err := n.Deliver("nobody", bus.NewEvent(bus.TypeMessage, bus.SubTypeChunk))
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestChannelNotifier_FullBufferDropsWithError(t *testing.T) {
	n := NewChannelNotifier()
	n.Subscribe("slow", 1)

	require.NoError(t, n.Deliver("slow", bus.NewEvent(bus.TypeMessage, bus.SubTypeChunk)))
	err := n.Deliver("slow", bus.NewEvent(bus.TypeMessage, bus.SubTypeChunk))
	assert.ErrorIs(t, err, ErrClientBusy)
}

func TestChannelNotifier_Unsubscribe(t *testing.T) {
	n := NewChannelNotifier()
	n.Subscribe("client-1", 1)
	n.Unsubscribe("client-1")
	err := n.Deliver("client-1", bus.NewEvent(bus.TypeMessage, bus.SubTypeChunk))
	assert.ErrorIs(t, err, ErrUnknownClient)
}
