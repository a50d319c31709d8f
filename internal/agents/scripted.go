package agents

import (
	"context"
	"encoding/json"
	"time"
)

// ScriptedResponse is one canned reply for a ScriptedAgent
type ScriptedResponse struct {
	Payload json.RawMessage
	Cost    float64
	Delay   time.Duration
	Err     error
}

// ScriptedAgent replays canned responses in order, then repeats the last
// one. Used in tests and dry runs; selected with backend = "scripted".
type ScriptedAgent struct {
	id        string
	responses []ScriptedResponse
	calls     int
}

// NewScriptedAgent creates a scripted agent
func NewScriptedAgent(id string, responses []ScriptedResponse) *ScriptedAgent {
	return &ScriptedAgent{id: id, responses: responses}
}

// ID returns the agent id
func (a *ScriptedAgent) ID() string { return a.id }

// Calls returns how many times the agent has been invoked
func (a *ScriptedAgent) Calls() int { return a.calls }

// Call returns the next scripted response, honoring its delay and the
// caller's context deadline.
func (a *ScriptedAgent) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	idx := a.calls
	a.calls++
	if len(a.responses) == 0 {
		return &CallResult{Payload: json.RawMessage(`{}`)}, nil
	}
	if idx >= len(a.responses) {
		idx = len(a.responses) - 1
	}
	resp := a.responses[idx]

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &CallResult{Payload: resp.Payload, CostUSD: resp.Cost}, nil
}
