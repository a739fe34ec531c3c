package graph

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/spice-framework/spice-go/graph/store"
)

// TestMetrics_ObserveRun verifies run counting by graph and status.
func TestMetrics_ObserveRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRun("orders", StatusSuccess)
	m.ObserveRun("orders", StatusSuccess)
	m.ObserveRun("orders", StatusFailed)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("orders", string(StatusSuccess))); got != 2 {
		t.Errorf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("orders", string(StatusFailed))); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}

	// Nil receiver is a no-op for optional instrumentation.
	var none *Metrics
	none.ObserveRun("orders", StatusSuccess)
	none.ObserveDLQWrite("orders")
}

// TestRunner_Metrics verifies instrumentation across a full run.
func TestRunner_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	calls := 0
	flaky := NewNodeFunc("flaky", func(_ context.Context, msg Message) NodeResult {
		calls++
		if calls < 2 {
			return NodeResult{Err: &RetryableError{Message: "transient"}}
		}
		return NodeResult{Message: msg}
	})

	g, err := NewBuilder("metered").
		AddNode(flaky).
		AddNode(NewOutputNode("done", nil)).
		AddEdge(Edge{From: "flaky", To: "done"}).
		EntryPoint("flaky").
		Use(&MetricsMiddleware{Metrics: m}).
		WithRetryPolicy(fastPolicy(3)).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	runner := NewRunner(RunnerOptions{Metrics: m})
	if _, err := runner.Run(context.Background(), g, NewMessage("", "user")); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("metered", string(StatusSuccess))); got != 1 {
		t.Errorf("expected 1 finished run, got %v", got)
	}
	if got := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("metered", "flaky")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

// TestRunner_WaitingRunsGauge verifies pause/resume gauge movement.
func TestRunner_WaitingRunsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	g := approvalGraph(t, store.NewMemoryStore[Message](0), 0)

	policy := fastPolicy(3)
	runner := NewRunner(RunnerOptions{Metrics: m, RetryPolicy: &policy})
	if _, err := runner.Run(context.Background(), g, FromUserInput("refund", "user", nil, "run-gauge")); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := testutil.ToFloat64(m.WaitingRuns.WithLabelValues("refunds")); got != 1 {
		t.Errorf("expected gauge 1 while paused, got %v", got)
	}

	if _, err := runner.Resume(context.Background(), g, "run-gauge", &HumanResponse{
		NodeID: "approve", SelectedOptionIDs: []string{"yes"},
	}); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := testutil.ToFloat64(m.WaitingRuns.WithLabelValues("refunds")); got != 0 {
		t.Errorf("expected gauge 0 after resume, got %v", got)
	}
}
