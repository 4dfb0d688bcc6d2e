package imclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbacksDispatchOrder(t *testing.T) {
	callbacks := &Callbacks{}
	var order []string
	callbacks.Add(EventNewMessage, func(Event) { order = append(order, "first") })
	callbacks.Add(EventNewMessage, func(Event) { order = append(order, "second") })
	callbacks.Add(EventUserSignedOn, func(Event) { order = append(order, "other") })

	callbacks.Dispatch(Event{ID: EventNewMessage})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCallbacksRemove(t *testing.T) {
	callbacks := &Callbacks{}
	var calls int
	handle := callbacks.Add(EventContactTyping, func(Event) { calls++ })
	require.NoError(t, callbacks.Remove(EventContactTyping, handle))
	callbacks.Dispatch(Event{ID: EventContactTyping})
	assert.Zero(t, calls)

	assert.Error(t, callbacks.Remove(EventContactTyping, handle))
	assert.Error(t, callbacks.Remove(EventNewFile, 42))
}

func TestRegistry(t *testing.T) {
	Register("test-client", func() (Client, error) { return nil, nil })
	assert.Contains(t, Registered(), "test-client")

	_, err := Open("test-client")
	require.NoError(t, err)

	_, err = Open("no-such-client")
	assert.Error(t, err)

	assert.Panics(t, func() { Register("test-client", func() (Client, error) { return nil, nil }) })
}
