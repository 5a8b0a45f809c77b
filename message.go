package mqexplorer

import (
	"strings"
	"time"
)

// Message is the normalized shape every adapter produces from its
// broker-native wire format. It is owned by the adapter until handed to
// the caller; callers must treat it as read-only.
type Message struct {
	// ID is the broker-native message identifier, or a generated unique
	// id when the protocol has none.
	ID            string
	CorrelationID string
	Timestamp     time.Time
	Body          []byte
	Properties    MessageProperties
}

// MessageProperties carries the broker-agnostic property set plus
// broker-specific extensions in Extra (lock token, sequence number,
// partition, receipt handle, MQMD put date/time, ...).
type MessageProperties struct {
	ContentType  string
	ReplyTo      string
	Priority     int
	DeliveryMode int
	Headers      map[string]string
	Extra        map[string]string
}

// SetExtra records a broker-specific property, allocating the map lazily.
func (p *MessageProperties) SetExtra(key, value string) {
	if p.Extra == nil {
		p.Extra = make(map[string]string)
	}
	p.Extra[key] = value
}

// QueueInfo is the summary row used for queue listings.
type QueueInfo struct {
	Name        string
	Type        string
	Description string
	Status      string
	// Depth is meaningful only when HasDepth is true; some brokers do
	// not report it in listings.
	Depth    int64
	HasDepth bool
}

// TopicInfo is the summary row used for topic listings.
type TopicInfo struct {
	Name        string
	Type        string
	Description string
	Status      string
}

// QueueProperties is the extended property set for a single queue.
type QueueProperties struct {
	QueueInfo
	ConsumerCount int64
	ProducerCount int64
	EnqueueCount  int64
	DequeueCount  int64
	MaxDepth      int64
	SizeBytes     int64
	Extra         map[string]string
}

// TopicProperties is the extended property set for a single topic.
type TopicProperties struct {
	TopicInfo
	ConsumerCount int64
	ProducerCount int64
	EnqueueCount  int64
	DequeueCount  int64
	Subscriptions []string
	Extra         map[string]string
}

// DeleteOutcome distinguishes a physical removal from a cache-only one.
type DeleteOutcome int

const (
	// DeleteOutcomeRemoved means the message was removed from the broker.
	DeleteOutcomeRemoved DeleteOutcome = iota
	// DeleteOutcomeHidden means the broker offers no targeted removal;
	// the message was removed from the cache only and remains physically
	// present on the broker.
	DeleteOutcomeHidden
)

func (o DeleteOutcome) String() string {
	if o == DeleteOutcomeHidden {
		return "hidden"
	}
	return "removed"
}

// DeleteResult reports the outcome of a single message deletion.
type DeleteResult struct {
	ID      string
	Outcome DeleteOutcome
}

// BatchDeleteResult aggregates a best-effort multi-delete.
type BatchDeleteResult struct {
	Results   []DeleteResult
	Failures  map[string]error
	Succeeded int
}

// MatchFilter reports whether name matches the listing filter: a
// case-insensitive substring match, with the empty filter matching all.
func MatchFilter(name, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(filter))
}
