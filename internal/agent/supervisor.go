package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/graph"
	"github.com/xpertai/control-plane/internal/llm"
	"github.com/xpertai/control-plane/pkg/models"
)

// Finish is the supervisor answer that ends the turn.
const Finish = "FINISH"

// supervisor routes between members. A team with a single member runs it
// once; larger teams ask the root agent's model who acts next.
func (c *Compiler) supervisor(root *member, members []*member) graph.NodeFunc[State, models.ChatEvent] {
	if len(members) == 1 {
		only := members[0].key
		return func(_ context.Context, s State, _ func(models.ChatEvent) bool) (State, error) {
			if s.Steps == 0 {
				s.Next = only
			} else {
				s.Next = graph.END
			}
			return s, nil
		}
	}

	system := supervisorPrompt(root, members)
	return func(ctx context.Context, s State, _ func(models.ChatEvent) bool) (State, error) {
		msgs := make([]llm.Message, 0, len(s.Messages)+2)
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
		msgs = append(msgs, s.Messages...)
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Given the conversation above, who should act next? Answer with one name or %s.", Finish),
		})

		resp, err := llm.Collect(ctx, root.model, llm.Request{Model: root.modelName, Messages: msgs}, nil)
		if err != nil {
			return s, fmt.Errorf("supervisor: %w", err)
		}
		s.Meter.Add(root.key, resp.Usage.TotalTokens)

		s.Next = pickMember(resp.Content, members)
		log.Debug().Str("choice", strings.TrimSpace(resp.Content)).Str("next", s.Next).Msg("Supervisor routed")
		return s, nil
	}
}

func supervisorPrompt(root *member, members []*member) string {
	var b strings.Builder
	if root.prompt != "" {
		b.WriteString(root.prompt)
		b.WriteString("\n\n")
	}
	b.WriteString("You are a supervisor managing a conversation between the following workers:\n")
	for _, m := range members {
		fmt.Fprintf(&b, "- %s", m.routeName())
		if m.description != "" {
			fmt.Fprintf(&b, ": %s", m.description)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Given the user request, respond with the worker to act next. "+
		"Each worker performs a task and responds with its result. When finished, respond with %s.", Finish)
	return b.String()
}

// routeName is how the supervisor refers to a member.
func (m *member) routeName() string {
	if m.name != "" {
		return m.name
	}
	return m.key
}

// pickMember maps a supervisor answer to a member key. FINISH, and answers
// naming no member, end the run.
func pickMember(answer string, members []*member) string {
	choice := strings.Trim(strings.TrimSpace(answer), "\"'`.")
	if choice == "" || strings.EqualFold(choice, Finish) {
		return graph.END
	}
	for _, m := range members {
		if strings.EqualFold(choice, m.routeName()) || choice == m.key {
			return m.key
		}
	}
	return graph.END
}
