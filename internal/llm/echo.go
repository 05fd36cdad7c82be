package llm

import (
	"context"
	"strings"
)

// Echo is an offline driver that answers with the last user message,
// split into word chunks. It lets the server run without provider keys.
type Echo struct{}

func (Echo) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)

		var last string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				last = req.Messages[i].Content
				break
			}
		}
		words := strings.SplitAfter(last, " ")
		for _, w := range words {
			select {
			case out <- Chunk{Content: w}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		n := int64(len(words))
		select {
		case out <- Chunk{FinishReason: "stop", Usage: &Usage{InputTokens: n, OutputTokens: n, TotalTokens: 2 * n}}:
		case <-ctx.Done():
			errc <- ctx.Err()
		}
	}()
	return out, errc
}
