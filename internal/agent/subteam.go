package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/pkg/models"
)

type depthKey struct{}

var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// subTeamTool exposes a collaborating team as a tool. Calling it compiles
// and runs the team's published graph with the given input.
type subTeamTool struct {
	compiler *Compiler
	xpert    *models.Xpert
	signals  *Signals
}

func (t *subTeamTool) Definition() llm.ToolDefinition {
	name := toolNameSanitizer.ReplaceAllString(t.xpert.Name, "_")
	if name == "" {
		name = "xpert_" + t.xpert.ID
	}
	desc := t.xpert.Description
	if desc == "" {
		desc = fmt.Sprintf("Ask the %s team to handle a task.", strings.TrimSpace(t.xpert.Title+" "+t.xpert.Name))
	}
	return llm.ToolDefinition{
		Name:        name,
		Description: desc,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{"type": "string", "description": "The task or question for the team."},
			},
			"required": []string{"input"},
		},
	}
}

func (t *subTeamTool) Call(ctx context.Context, arguments string) (string, error) {
	out, _, err := t.CallWithUsage(ctx, arguments)
	return out, err
}

func (t *subTeamTool) CallWithUsage(ctx context.Context, arguments string) (string, int64, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= MaxCollaboratorDepth {
		return "", 0, fmt.Errorf("collaborator nesting deeper than %d", MaxCollaboratorDepth)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	var args struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || strings.TrimSpace(args.Input) == "" {
		return "", 0, fmt.Errorf("input is required")
	}

	r, err := t.compiler.Compile(ctx, t.xpert, Options{Signals: t.signals})
	if err != nil {
		return "", 0, fmt.Errorf("compile collaborator %s: %w", t.xpert.Name, err)
	}
	state := NewState(args.Input, nil, nil)
	out, err := r.Invoke(ctx, state)
	tokens := state.Meter.Total()
	if err != nil {
		return "", tokens, err
	}
	return out.Output, tokens, nil
}
