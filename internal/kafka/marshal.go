package kafka

import (
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/segmentio/kafka-go"
	"strconv"
)

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// UnwrapPayload decodes the payload of an envelope into T.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

// EventPublisher adapts a Producer to orders.Publisher.
type EventPublisher struct{ P *Producer }

func (e EventPublisher) Publish(topic string, key []byte, ev orders.Envelope) {
	e.P.Publish(topic, key, MustMarshal(ev),
		kafka.Header{Key: "x-event-type", Value: []byte(ev.EventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(ev.EventVersion))},
	)
}

var _ orders.Publisher = EventPublisher{}
