package qlearning

import (
	"math"
	"math/rand"
	"strconv"

	"gonum.org/v1/gonum/floats"

	"github.com/aristath/qtrainer/internal/modules/training/results"
)

// MinEpsilon is the exploration floor.
const MinEpsilon = 0.01

const (
	priceBin   = 5.0
	balanceBin = 50.0
)

// AgentConfig holds the learning hyperparameters.
type AgentConfig struct {
	LearningRate float64
	Gamma        float64
	Epsilon      float64
	EpsilonDecay float64
}

// Agent is an epsilon-greedy tabular Q-learner. It is not safe for
// concurrent use.
type Agent struct {
	cfg     AgentConfig
	epsilon float64
	q       map[string][]float64
	rng     *rand.Rand
}

// NewAgent creates an agent with an empty Q-table.
func NewAgent(cfg AgentConfig, rng *rand.Rand) *Agent {
	return &Agent{
		cfg:     cfg,
		epsilon: cfg.Epsilon,
		q:       make(map[string][]float64),
		rng:     rng,
	}
}

// Key discretizes a state: price to the nearest 5, balance to the nearest 50.
func Key(s State) string {
	price := math.RoundToEven(s.Price/priceBin) * priceBin
	balance := math.RoundToEven(s.Balance/balanceBin) * balanceBin
	return strconv.FormatFloat(price, 'f', -1, 64) + "|" +
		strconv.FormatFloat(balance, 'f', -1, 64) + "|" +
		strconv.Itoa(s.Position)
}

// Epsilon returns the current exploration rate.
func (a *Agent) Epsilon() float64 { return a.epsilon }

// SetEpsilon overrides the exploration rate; zero makes the agent greedy.
func (a *Agent) SetEpsilon(eps float64) { a.epsilon = eps }

// States returns the number of visited discretized states.
func (a *Agent) States() int { return len(a.q) }

// ChooseAction explores with probability epsilon and otherwise picks the
// best known action. Unseen states get a random action.
func (a *Agent) ChooseAction(s State) int {
	if a.rng.Float64() < a.epsilon {
		return a.rng.Intn(numActions)
	}
	values, ok := a.q[Key(s)]
	if !ok {
		return a.rng.Intn(numActions)
	}
	return floats.MaxIdx(values)
}

// Learn applies one Q-learning update.
func (a *Agent) Learn(s State, action int, reward float64, next State, done bool) {
	current := a.row(Key(s))
	following := a.row(Key(next))

	target := reward
	if !done {
		target += a.cfg.Gamma * floats.Max(following)
	}
	current[action] += a.cfg.LearningRate * (target - current[action])
}

func (a *Agent) row(key string) []float64 {
	values, ok := a.q[key]
	if !ok {
		values = make([]float64, numActions)
		a.q[key] = values
	}
	return values
}

// DecayEpsilon multiplies epsilon by the decay rate, never below MinEpsilon.
func (a *Agent) DecayEpsilon() {
	if a.epsilon > MinEpsilon {
		a.epsilon = math.Max(a.epsilon*a.cfg.EpsilonDecay, MinEpsilon)
	}
}

// Model exports the Q-table for persistence.
func (a *Agent) Model() *results.Model {
	values := make(map[string][]float64, len(a.q))
	for k, v := range a.q {
		values[k] = append([]float64(nil), v...)
	}
	return &results.Model{
		Format:  results.ModelFormat,
		Actions: numActions,
		Epsilon: a.epsilon,
		QValues: values,
	}
}

// LoadModel replaces the Q-table with a persisted one. Rows that do not
// hold one value per action are dropped.
func (a *Agent) LoadModel(m *results.Model) {
	a.q = make(map[string][]float64, len(m.QValues))
	for k, v := range m.QValues {
		if len(v) != numActions {
			continue
		}
		a.q[k] = append([]float64(nil), v...)
	}
	a.epsilon = m.Epsilon
}
