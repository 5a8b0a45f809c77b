package mqexplorer

import "sync"

// MessageCache is the per-instance bookkeeping that makes "browse, then
// act on a specific previously-seen message" possible on protocols
// whose native browse is peek-only and whose native consumption is
// anonymous. An id present for a queue implies it was returned by a
// prior browse on that queue and has not since been removed.
//
// There is no eviction beyond explicit removal: entries live until a
// matching delete, clear, or disconnect. The cache only ever holds
// messages already materialized for a human to inspect in one session.
type MessageCache struct {
	mu     sync.RWMutex
	queues map[string]map[string]*Message
}

// NewMessageCache returns an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{queues: make(map[string]map[string]*Message)}
}

// Record stores the last observed message for its id. Inserts are keyed
// by id and commute, so concurrent browses on the same queue are safe.
func (c *MessageCache) Record(queue string, msg *Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[queue]
	if !ok {
		q = make(map[string]*Message)
		c.queues[queue] = q
	}
	q[msg.ID] = msg
}

// Lookup resolves a previously observed id.
func (c *MessageCache) Lookup(queue, id string) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.queues[queue][id]
	return msg, ok
}

// Remove drops a single entry. It reports whether the id was present.
func (c *MessageCache) Remove(queue, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[queue]
	if !ok {
		return false
	}
	if _, ok := q[id]; !ok {
		return false
	}
	delete(q, id)
	if len(q) == 0 {
		delete(c.queues, queue)
	}
	return true
}

// Contains reports whether an id is cached for a queue.
func (c *MessageCache) Contains(queue, id string) bool {
	_, ok := c.Lookup(queue, id)
	return ok
}

// Clear drops every entry for one queue.
func (c *MessageCache) Clear(queue string) {
	c.mu.Lock()
	delete(c.queues, queue)
	c.mu.Unlock()
}

// ClearAll discards the whole cache; called on disconnect.
func (c *MessageCache) ClearAll() {
	c.mu.Lock()
	c.queues = make(map[string]map[string]*Message)
	c.mu.Unlock()
}

// Len returns the number of cached entries for a queue.
func (c *MessageCache) Len(queue string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues[queue])
}
