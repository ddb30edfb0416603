package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesEverySubscriber(t *testing.T) {
	h := NewHub()
	idA, a := h.Subscribe()
	idB, b := h.Subscribe()
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, h.Subscribers())

	h.Publish(Event{Name: "jointStatus", Data: 1})
	assert.Equal(t, Event{Name: "jointStatus", Data: 1}, <-a)
	assert.Equal(t, Event{Name: "jointStatus", Data: 1}, <-b)

	h.Unsubscribe(idA)
	_, open := <-a
	assert.False(t, open, "unsubscribe closes the channel")
	h.Unsubscribe(idA)

	h.Publish(Event{Name: "parameters"})
	assert.Equal(t, "parameters", (<-b).Name)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe()

	for i := 0; i < HubBuffer+10; i++ {
		h.Publish(Event{Name: "tick", Data: i})
	}
	assert.Equal(t, uint64(10), h.Dropped())
	require.Len(t, ch, HubBuffer)
	assert.Equal(t, 0, (<-ch).Data, "the oldest events are kept")
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe()
	h.Close()
	h.Close()

	_, open := <-ch
	assert.False(t, open)

	_, late := h.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
	h.Publish(Event{Name: "ignored"})
	assert.Equal(t, 0, h.Subscribers())
}
