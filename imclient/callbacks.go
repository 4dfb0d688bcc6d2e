package imclient

import (
	"github.com/pkg/errors"
)

type callbackEntry struct {
	handle int
	fn     Handler
}

// Callbacks is a reusable registry for back-end implementations: it
// provides the AddCallback/RemoveCallback contract and ordered
// dispatch. Not safe for concurrent use; back-ends that mutate it from
// several goroutines must add their own locking.
type Callbacks struct {
	next    int
	entries map[EventID][]callbackEntry
}

func (c *Callbacks) Add(id EventID, fn Handler) int {
	if c.entries == nil {
		c.entries = map[EventID][]callbackEntry{}
	}
	c.next++
	c.entries[id] = append(c.entries[id], callbackEntry{handle: c.next, fn: fn})
	return c.next
}

func (c *Callbacks) Remove(id EventID, handle int) error {
	entries := c.entries[id]
	for i, entry := range entries {
		if entry.handle == handle {
			c.entries[id] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("callback %d not registered for %s", handle, id)
}

// Dispatch invokes the handlers registered for event.ID in
// registration order.
func (c *Callbacks) Dispatch(event Event) {
	for _, entry := range c.entries[event.ID] {
		entry.fn(event)
	}
}
