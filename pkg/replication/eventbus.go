package replication

import (
	"encoding/json"

	"github.com/nimbusscm/rm/pkg/events"
)

// Bus adapts the buffered-channel pub/sub events.Broker into the
// scm.EventBus the Dispatcher fires commands through. This is
// in-process fan-out only: the payload is marshalled to JSON for
// subscribers that want a byte-stable view, but nothing here puts it on
// a wire; delivery to datanodes belongs to the surrounding SCM.
type Bus struct {
	broker *events.Broker
}

// NewBus wraps broker as an scm.EventBus.
func NewBus(broker *events.Broker) *Bus {
	return &Bus{broker: broker}
}

// Fire implements scm.EventBus.
func (b *Bus) Fire(topic string, payload any) {
	data, err := json.Marshal(payload)
	metadata := map[string]string{}
	if err == nil {
		metadata["payload"] = string(data)
	}
	b.broker.Publish(&events.Event{
		Type:     events.EventType(topic),
		Message:  topic,
		Metadata: metadata,
	})
}
