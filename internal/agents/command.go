package agents

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/google/uuid"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/config"
)

// CommandAgent shells out to an AI CLI in non-interactive mode and parses
// the structured JSON it prints. The prompt goes in as an argument; usage
// and cost are scraped from result lines when the CLI reports them.
type CommandAgent struct {
	id      string
	command string
	args    []string
	model   string
}

// NewCommandAgent creates a command-backed agent from config
func NewCommandAgent(cfg config.AgentConfig) *CommandAgent {
	return &CommandAgent{
		id:      cfg.ID,
		command: cfg.Command,
		args:    cfg.Args,
		model:   cfg.Model,
	}
}

// ID returns the configured agent id
func (a *CommandAgent) ID() string { return a.id }

// Call runs the CLI to completion and extracts its structured output.
// The context deadline is the per-agent timeout; the process is killed
// when it expires.
func (a *CommandAgent) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	args := append([]string(nil), a.args...)
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "--session-id", uuid.NewString(), "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, a.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s exited: %w (%s)", a.command, err, firstLine(stderr.Bytes()))
	}

	result := &CallResult{Model: model}
	result.InputTokens, result.OutputTokens, result.CostUSD = scrapeUsage(stdout.Bytes())

	payload, err := ExtractJSON(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	result.Payload = payload
	return result, nil
}

// scrapeUsage pulls token counts and cost out of stream-json result lines.
// CLIs that do not report usage yield zeros; the cost tracker then falls
// back to model pricing.
func scrapeUsage(output []byte) (inputTokens, outputTokens int, costUSD float64) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg struct {
			Type         string  `json:"type"`
			TotalCostUSD float64 `json:"total_cost_usd"`
			Usage        struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == "result" {
			inputTokens = msg.Usage.InputTokens
			outputTokens = msg.Usage.OutputTokens
			costUSD = msg.TotalCostUSD
		}
	}
	return inputTokens, outputTokens, costUSD
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
