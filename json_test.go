package mqexplorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONMarshalerPassesBytesThrough(t *testing.T) {
	m := JSONMarshaler{}

	raw := []byte(`{"already":"encoded"}`)
	out, err := m.Marshal(raw)
	assert.NoError(t, err)
	assert.Equal(t, raw, out)

	out, err = m.Marshal("plain string")
	assert.NoError(t, err)
	assert.Equal(t, []byte("plain string"), out)
}

func TestJSONMarshalerRoundTrip(t *testing.T) {
	m := JSONMarshaler{}

	in := map[string]any{"operation": "list_queues", "target": "*"}
	data, err := m.Marshal(in)
	assert.NoError(t, err)

	var got map[string]any
	assert.NoError(t, m.Unmarshal(data, &got))
	assert.Equal(t, "list_queues", got["operation"])
	assert.Equal(t, "json", m.String())
}
