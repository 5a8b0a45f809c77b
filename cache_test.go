package mqexplorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageCache_RecordLookup(t *testing.T) {
	c := NewMessageCache()

	msg := &Message{ID: "m1", Body: []byte("hello")}
	c.Record("orders", msg)

	got, ok := c.Lookup("orders", "m1")
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Body)

	_, ok = c.Lookup("orders", "m2")
	assert.False(t, ok)
	_, ok = c.Lookup("other", "m1")
	assert.False(t, ok)
}

func TestMessageCache_SkipsEmptyIDs(t *testing.T) {
	c := NewMessageCache()

	c.Record("q", nil)
	c.Record("q", &Message{ID: ""})

	assert.Equal(t, 0, c.Len("q"))
}

func TestMessageCache_Remove(t *testing.T) {
	c := NewMessageCache()
	c.Record("q", &Message{ID: "m1"})

	assert.True(t, c.Remove("q", "m1"))
	assert.False(t, c.Remove("q", "m1"))
	assert.False(t, c.Contains("q", "m1"))
}

func TestMessageCache_RecordOverwrites(t *testing.T) {
	c := NewMessageCache()
	c.Record("q", &Message{ID: "m1", Body: []byte("old")})
	c.Record("q", &Message{ID: "m1", Body: []byte("new")})

	assert.Equal(t, 1, c.Len("q"))
	got, _ := c.Lookup("q", "m1")
	assert.Equal(t, []byte("new"), got.Body)
}

func TestMessageCache_Clear(t *testing.T) {
	c := NewMessageCache()
	c.Record("a", &Message{ID: "m1"})
	c.Record("a", &Message{ID: "m2"})
	c.Record("b", &Message{ID: "m3"})

	c.Clear("a")
	assert.Equal(t, 0, c.Len("a"))
	assert.Equal(t, 1, c.Len("b"))

	c.ClearAll()
	assert.Equal(t, 0, c.Len("b"))
}
