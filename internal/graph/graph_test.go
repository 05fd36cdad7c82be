package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type counter struct {
	Visits []string
	Next   string
	N      int
}

func appendVisit(name string) NodeFunc[counter, string] {
	return func(_ context.Context, s counter, emit func(string) bool) (counter, error) {
		s.Visits = append(s.Visits, name)
		emit(name)
		return s, nil
	}
}

func TestCompile_Validation(t *testing.T) {
	noop := appendVisit("x")

	tests := []struct {
		name  string
		build func() *StateGraph[counter, string]
		want  string
	}{
		{"no entry", func() *StateGraph[counter, string] {
			return New[counter, string]().AddNode("a", noop).AddEdge("a", END)
		}, "no edge from START"},
		{"unknown target", func() *StateGraph[counter, string] {
			return New[counter, string]().AddNode("a", noop).AddEdge(START, "a").AddEdge("a", "b")
		}, `edge to unknown node "b"`},
		{"dangling node", func() *StateGraph[counter, string] {
			return New[counter, string]().AddNode("a", noop).AddNode("b", noop).AddEdge(START, "a").AddEdge("a", END)
		}, `node "b" has no outgoing edge`},
		{"reserved name", func() *StateGraph[counter, string] {
			return New[counter, string]().AddNode(END, noop)
		}, "reserved"},
		{"duplicate node", func() *StateGraph[counter, string] {
			return New[counter, string]().AddNode("a", noop).AddNode("a", noop).AddEdge(START, "a").AddEdge("a", END)
		}, "already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile()
			if err == nil {
				t.Fatal("Compile() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Compile() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestRun_SupervisorLoop(t *testing.T) {
	supervisor := func(_ context.Context, s counter, emit func(string) bool) (counter, error) {
		s.Visits = append(s.Visits, "supervisor")
		s.N++
		if s.N > 2 {
			s.Next = END
		} else {
			s.Next = "worker"
		}
		return s, nil
	}

	r, err := New[counter, string]().
		AddNode("supervisor", supervisor).
		AddNode("worker", appendVisit("worker")).
		AddEdge(START, "supervisor").
		AddEdge("worker", "supervisor").
		AddConditionalEdges("supervisor", func(s counter) string { return s.Next }, "worker").
		Compile()
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	out, err := r.Invoke(context.Background(), counter{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	want := "supervisor,worker,supervisor,worker,supervisor"
	if got := strings.Join(out.Visits, ","); got != want {
		t.Errorf("visits = %s, want %s", got, want)
	}
}

func TestRun_RecursionLimit(t *testing.T) {
	r, err := New[counter, string]().
		AddNode("loop", appendVisit("loop")).
		AddEdge(START, "loop").
		AddEdge("loop", "loop").
		Compile(WithRecursionLimit(5))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	out, err := r.Invoke(context.Background(), counter{})
	if !errors.Is(err, ErrRecursionLimit) {
		t.Fatalf("Invoke() error = %v, want ErrRecursionLimit", err)
	}
	if len(out.Visits) != 5 {
		t.Errorf("visits = %d, want 5", len(out.Visits))
	}
}

func TestRun_UndeclaredRoute(t *testing.T) {
	r, err := New[counter, string]().
		AddNode("a", appendVisit("a")).
		AddNode("b", appendVisit("b")).
		AddNode("c", appendVisit("c")).
		AddEdge(START, "a").
		AddConditionalEdges("a", func(counter) string { return "c" }, "b").
		AddEdge("b", END).
		AddEdge("c", END).
		Compile()
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if _, err := r.Invoke(context.Background(), counter{}); err == nil {
		t.Fatal("Invoke() error = nil, want undeclared target error")
	}
}

func TestStream_DeliversEventsInOrder(t *testing.T) {
	r, err := New[counter, string]().
		AddNode("a", appendVisit("a")).
		AddNode("b", appendVisit("b")).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("b", END).
		Compile()
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	events, errc := r.Stream(context.Background(), counter{})
	var got []string
	for ev := range events {
		got = append(got, ev)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("events = %v, want [a b]", got)
	}
}

func TestStream_CancelUnblocks(t *testing.T) {
	block := func(ctx context.Context, s counter, emit func(string) bool) (counter, error) {
		emit("started")
		<-ctx.Done()
		return s, ctx.Err()
	}
	r, err := New[counter, string]().
		AddNode("block", block).
		AddEdge(START, "block").
		AddEdge("block", END).
		Compile()
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, errc := r.Stream(ctx, counter{})
	if ev := <-events; ev != "started" {
		t.Fatalf("first event = %q, want started", ev)
	}
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Stream() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
