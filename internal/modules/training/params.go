package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parameters are the merged, validated settings handed to the worker.
type Parameters struct {
	InitialBalance float64 `json:"initialBalance" yaml:"initialBalance"`
	Episodes       int     `json:"episodes" yaml:"episodes"`
	LearningRate   float64 `json:"learningRate" yaml:"learningRate"`
	Gamma          float64 `json:"gamma" yaml:"gamma"`
	Epsilon        float64 `json:"epsilon" yaml:"epsilon"`
	EpsilonDecay   float64 `json:"epsilonDecay" yaml:"epsilonDecay"`
}

// DefaultParameters returns the built-in defaults.
func DefaultParameters() Parameters {
	return Parameters{
		InitialBalance: 10000,
		Episodes:       1000,
		LearningRate:   0.1,
		Gamma:          0.95,
		Epsilon:        1.0,
		EpsilonDecay:   0.995,
	}
}

// Validate checks every field is finite and in range.
func (p Parameters) Validate() error {
	if err := checkFinite("initialBalance", p.InitialBalance); err != nil {
		return err
	}
	if p.InitialBalance <= 0 {
		return invalid("initialBalance", "must be greater than 0")
	}
	if p.Episodes <= 0 {
		return invalid("episodes", "must be a positive integer")
	}
	if err := checkFinite("learningRate", p.LearningRate); err != nil {
		return err
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		return invalid("learningRate", "must be in (0, 1]")
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"gamma", p.Gamma},
		{"epsilon", p.Epsilon},
		{"epsilonDecay", p.EpsilonDecay},
	} {
		if err := checkFinite(f.name, f.value); err != nil {
			return err
		}
		if f.value < 0 || f.value > 1 {
			return invalid(f.name, "must be in [0, 1]")
		}
	}
	return nil
}

func checkFinite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, "must be a finite number")
	}
	return nil
}

// MergeParameters applies a JSON request body of overrides on top of defaults.
// Missing or null fields keep their default. Values may be JSON numbers or
// numeric strings. Unknown fields are ignored.
func MergeParameters(defaults Parameters, body []byte) (Parameters, error) {
	p := defaults
	if len(bytes.TrimSpace(body)) == 0 {
		return p, p.Validate()
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Parameters{}, invalid("body", "must be a JSON object")
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"initialBalance", &p.InitialBalance},
		{"learningRate", &p.LearningRate},
		{"gamma", &p.Gamma},
		{"epsilon", &p.Epsilon},
		{"epsilonDecay", &p.EpsilonDecay},
	}
	for _, f := range floats {
		v, ok, err := overrideValue(raw, f.name)
		if err != nil {
			return Parameters{}, err
		}
		if ok {
			*f.dst = v
		}
	}

	episodes, ok, err := overrideValue(raw, "episodes")
	if err != nil {
		return Parameters{}, err
	}
	if ok {
		if err := checkFinite("episodes", episodes); err != nil {
			return Parameters{}, err
		}
		if episodes != math.Trunc(episodes) || episodes > math.MaxInt32 {
			return Parameters{}, invalid("episodes", "must be a positive integer")
		}
		p.Episodes = int(episodes)
	}

	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

func overrideValue(raw map[string]json.RawMessage, field string) (float64, bool, error) {
	msg, ok := raw[field]
	if !ok {
		return 0, false, nil
	}
	text := strings.TrimSpace(string(msg))
	if text == "null" {
		return 0, false, nil
	}
	if strings.HasPrefix(text, `"`) {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return 0, false, invalid(field, "must be a number")
		}
		text = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false, invalid(field, "must be a number")
	}
	return v, true, nil
}

// LoadDefaults reads parameter defaults from a YAML file. Fields absent from
// the file keep the built-in defaults. An empty path returns the built-ins.
func LoadDefaults(path string) (Parameters, error) {
	p := DefaultParameters()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("failed to read training defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Parameters{}, fmt.Errorf("failed to parse training defaults: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, fmt.Errorf("invalid training defaults: %w", err)
	}
	return p, nil
}

// WorkerArgs is the single JSON argument passed to the worker.
type WorkerArgs struct {
	Parameters
	DataPath    string `json:"dataPath"`
	ResultsPath string `json:"resultsPath"`
	ModelPath   string `json:"modelPath"`
	JobID       string `json:"jobId"`
}
