package mqexplorer

import (
	"encoding/json"
)

// Marshaler is a simple encoding interface, used by the management
// correlator for its request and envelope bodies.
type Marshaler interface {
	Marshal(any) ([]byte, error)
	Unmarshal([]byte, any) error
	String() string
}

type JSONMarshaler struct{}

func (j JSONMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(v)
	}
}

func (j JSONMarshaler) Unmarshal(d []byte, v any) error {
	return json.Unmarshal(d, v)
}

func (j JSONMarshaler) String() string {
	return "json"
}
