// Package qlearning is the bundled training worker: a tabular Q-learning
// agent trading a single instrument over a Close price series.
package qlearning

// Actions available to the agent.
const (
	ActionHold = iota
	ActionBuy
	ActionSell

	numActions = 3
)

// State is the raw observation: current price, cash balance, units held.
type State struct {
	Price    float64
	Balance  float64
	Position int
}

// Env replays a price series. Each step trades at most one unit at the
// current price without transaction costs.
type Env struct {
	prices         []float64
	initialBalance float64

	balance  float64
	position int
	step     int
}

// NewEnv creates an environment over prices. prices must not be empty.
func NewEnv(prices []float64, initialBalance float64) *Env {
	e := &Env{prices: prices, initialBalance: initialBalance}
	e.Reset()
	return e
}

// Reset returns to the first price with the initial balance and no position.
func (e *Env) Reset() State {
	e.balance = e.initialBalance
	e.position = 0
	e.step = 0
	return e.state()
}

func (e *Env) state() State {
	return State{Price: e.prices[e.step], Balance: e.balance, Position: e.position}
}

// Step applies action at the current price. The reward is the portfolio
// value minus the initial balance. After the last price the episode is done
// and the returned state repeats the last price.
func (e *Env) Step(action int) (next State, reward float64, done bool) {
	price := e.prices[e.step]
	switch {
	case action == ActionBuy && e.balance >= price:
		e.position++
		e.balance -= price
	case action == ActionSell && e.position > 0:
		e.position--
		e.balance += price
	}

	reward = e.Value(price) - e.initialBalance
	e.step++
	if e.step >= len(e.prices) {
		return State{Price: price, Balance: e.balance, Position: e.position}, reward, true
	}
	return e.state(), reward, false
}

// Value is the portfolio value at price.
func (e *Env) Value(price float64) float64 {
	return e.balance + float64(e.position)*price
}
