package qlearning

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/rs/zerolog"

	"github.com/aristath/qtrainer/internal/modules/dataset"
	"github.com/aristath/qtrainer/internal/modules/training"
	"github.com/aristath/qtrainer/internal/modules/training/protocol"
	"github.com/aristath/qtrainer/internal/modules/training/results"
)

// Trainer runs one training job end to end and reports over the worker
// protocol.
type Trainer struct {
	args training.WorkerArgs
	rng  *rand.Rand
	out  *protocol.Encoder
	log  zerolog.Logger
}

// NewTrainer creates a trainer writing protocol events to out.
func NewTrainer(args training.WorkerArgs, seed int64, out io.Writer, log zerolog.Logger) *Trainer {
	return &Trainer{
		args: args,
		rng:  rand.New(rand.NewSource(seed)),
		out:  protocol.NewEncoder(out),
		log:  log.With().Str("component", "trainer").Str("job_id", args.JobID).Logger(),
	}
}

// Run trains for the configured episodes, saves the Q-table, replays the
// series greedily and writes the result artifact. Cancelling ctx stops
// between episodes.
func (t *Trainer) Run(ctx context.Context) (*results.Payload, error) {
	if err := t.args.Parameters.Validate(); err != nil {
		return nil, err
	}
	if t.args.ResultsPath == "" || t.args.ModelPath == "" {
		return nil, fmt.Errorf("resultsPath and modelPath are required")
	}

	prices, err := loadPrices(t.args.DataPath)
	if err != nil {
		return nil, err
	}
	t.log.Info().Int("rows", len(prices)).Int("episodes", t.args.Episodes).Msg("Training started")

	agent := NewAgent(AgentConfig{
		LearningRate: t.args.LearningRate,
		Gamma:        t.args.Gamma,
		Epsilon:      t.args.Epsilon,
		EpsilonDecay: t.args.EpsilonDecay,
	}, t.rng)
	env := NewEnv(prices, t.args.InitialBalance)

	for episode := 1; episode <= t.args.Episodes; episode++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training interrupted at episode %d: %w", episode, err)
		}
		state := env.Reset()
		for done := false; !done; {
			action := agent.ChooseAction(state)
			next, reward, finished := env.Step(action)
			agent.Learn(state, action, reward, next, finished)
			state, done = next, finished
		}
		agent.DecayEpsilon()
		if err := t.out.Progress(episode, t.args.Episodes); err != nil {
			return nil, fmt.Errorf("failed to report progress: %w", err)
		}
	}

	if err := results.WriteModel(t.args.ModelPath, agent.Model()); err != nil {
		return nil, err
	}
	t.log.Info().Int("states", agent.States()).Float64("epsilon", agent.Epsilon()).Msg("Model saved")

	// Evaluate what was persisted, not the in-memory table.
	model, err := results.ReadModel(t.args.ModelPath)
	if err != nil {
		return nil, err
	}
	agent.LoadModel(model)
	agent.SetEpsilon(0)

	payload := Evaluate(agent, prices, t.args.InitialBalance)
	payload.EpisodesCompleted = t.args.Episodes

	store := results.NewStore(t.args.ResultsPath, t.args.ModelPath, t.log)
	if err := store.Write(*payload); err != nil {
		return nil, err
	}
	if err := t.out.WroteResults(t.args.ResultsPath); err != nil {
		return nil, fmt.Errorf("failed to report results: %w", err)
	}

	t.log.Info().Float64("final_balance", payload.FinalBalance).Msg("Training finished")
	return payload, nil
}

// Evaluate replays prices once with the agent's current policy and records
// the portfolio value after every step.
func Evaluate(agent *Agent, prices []float64, initialBalance float64) *results.Payload {
	env := NewEnv(prices, initialBalance)
	state := env.Reset()
	history := make([]float64, 0, len(prices))
	for done := false; !done; {
		price := state.Price
		next, _, finished := env.Step(agent.ChooseAction(state))
		history = append(history, env.Value(price))
		state, done = next, finished
	}

	final := history[len(history)-1]
	return &results.Payload{
		FinalBalance:     final,
		TotalReward:      final - initialBalance,
		PortfolioHistory: history,
	}
}

func loadPrices(path string) ([]float64, error) {
	if path == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("data file not found at %s: %w", path, err)
	}
	defer f.Close()
	return dataset.ReadCloses(f)
}
