package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus for subscribers.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// EmitTyped emits an event with typed data to the bus and logs it.
// Progress events are logged at debug level; there is one per episode.
func (m *Manager) EmitTyped(module string, data EventData) {
	if m == nil || data == nil {
		return
	}
	eventType := data.EventType()
	dataMap := convertEventDataToMap(data)

	m.bus.Emit(eventType, module, dataMap)

	evt := m.log.Info()
	if eventType == TrainingProgress || eventType == WorkerOutput {
		evt = m.log.Debug()
	}
	evt.Str("event_type", string(eventType)).
		Str("module", module).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.EmitTyped(module, &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	})
}

// convertEventDataToMap converts typed EventData to the map carried on the bus
func convertEventDataToMap(data EventData) map[string]interface{} {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return nil
	}
	return result
}

// convertMapToStruct converts a bus payload back into a typed struct
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}
