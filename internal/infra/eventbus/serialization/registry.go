// Package serialization provides a registry-based system for serializing and
// deserializing domain events in the event bus infrastructure. Serialization
// functions are registered per event type, keeping wire-format concerns out of
// the domain layer and letting new event types plug in without touching
// existing code. Payloads are JSON; every event travels inside a universal
// envelope that names its type so consumers can route before decoding.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/processing"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// Global registries map event types to their serialization functions.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// universalEnvelope is the wire frame around every payload.
type universalEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// SerializeEventEnvelope encodes a payload inside the universal envelope using
// the registered serializer for its event type.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	payloadBytes, err := fn(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing payload for %s: %w", eventType, err)
	}
	return json.Marshal(universalEnvelope{EventType: string(eventType), Payload: payloadBytes})
}

// UnmarshalUniversalEnvelope splits a wire message into its event type and raw
// payload bytes without decoding the payload.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	return events.EventType(env.EventType), env.Payload, nil
}

// DeserializePayload converts raw payload bytes back into a domain object using
// the registered deserializer for the event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for all supported event types.
// This must run during startup before any event processing can occur.
func RegisterEventSerializers() {
	registerJSON[processing.IngestTask](processing.EventTypeIngestTask)
	registerJSON[processing.ChunkTask](processing.EventTypeChunkTask)
	registerJSON[processing.StitchTask](processing.EventTypeStitchTask)
	registerJSON[processing.JobCompletedEvent](processing.EventTypeJobCompleted)
	registerJSON[processing.JobFailedEvent](processing.EventTypeJobFailed)
	registerJSON[processing.JobCancelledEvent](processing.EventTypeJobCancelled)
}

// registerJSON wires plain JSON marshalling for a payload type.
func registerJSON[T any](eventType events.EventType) {
	RegisterSerializeFunc(eventType, func(payload any) ([]byte, error) {
		typed, ok := payload.(T)
		if !ok {
			return nil, fmt.Errorf("payload for %s is %T, not %T", eventType, payload, *new(T))
		}
		return json.Marshal(typed)
	})
	RegisterDeserializeFunc(eventType, func(data []byte) (any, error) {
		var typed T
		if err := json.Unmarshal(data, &typed); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", eventType, err)
		}
		return typed, nil
	})
}
