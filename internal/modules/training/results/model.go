package results

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// ModelFormat identifies the bundled trainer's Q-table encoding.
const ModelFormat = "qtable-msgpack-v1"

// Model is the persisted Q-table. Keys are discretized state labels.
type Model struct {
	Format  string               `msgpack:"format"`
	Actions int                  `msgpack:"actions"`
	Epsilon float64              `msgpack:"epsilon"`
	QValues map[string][]float64 `msgpack:"q_values"`
}

// WriteModel encodes the model with msgpack and stores it atomically.
func WriteModel(path string, m *Model) error {
	if m.Format == "" {
		m.Format = ModelFormat
	}
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadModel decodes a model written by WriteModel.
func ReadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	var m Model
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if m.Format != ModelFormat {
		return nil, fmt.Errorf("unsupported model format %q", m.Format)
	}
	return &m, nil
}
