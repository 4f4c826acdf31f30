package advisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tunesync/tunesync/internal/observe"
	"github.com/tunesync/tunesync/internal/resilience"
)

// Entry names an advisor inside a [Chain].
type Entry struct {
	Name    string
	Advisor Advisor
}

// Chain tries advisors in order until one succeeds. Each advisor sits behind
// its own circuit breaker.
type Chain struct {
	group   *resilience.FallbackGroup[Advisor]
	metrics *observe.Metrics
}

var _ Advisor = (*Chain)(nil)

// NewChain builds a [Chain] trying first, then rest in order. A nil m selects
// [observe.DefaultMetrics].
func NewChain(m *observe.Metrics, cfg resilience.FallbackConfig, first Entry, rest ...Entry) *Chain {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	g := resilience.NewFallbackGroup(first.Advisor, first.Name, cfg)
	for _, e := range rest {
		g.AddFallback(e.Name, e.Advisor)
	}
	return &Chain{group: g, metrics: m}
}

// Names returns the advisor names in the order they are tried.
func (c *Chain) Names() []string { return c.group.Names() }

// Advise implements [Advisor].
func (c *Chain) Advise(ctx context.Context, req Request) (string, error) {
	text, _, err := c.AdviseNamed(ctx, req)
	return text, err
}

// AdviseNamed is [Chain.Advise] that also reports which advisor answered.
func (c *Chain) AdviseNamed(ctx context.Context, req Request) (text, name string, err error) {
	ctx, span := observe.StartSpan(ctx, "advisor.advise")
	defer func() {
		span.SetAttributes(attribute.String("advisor.name", name))
		observe.EndSpan(span, err)
	}()

	return resilience.ExecuteNamed(c.group, func(name string, a Advisor) (string, error) {
		start := time.Now()
		text, err := a.Advise(ctx, req)
		c.metrics.RecordAdvisorRequest(ctx, name, err, time.Since(start))
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The advisor's own timeout, not the caller's: let the next one try.
			return "", fmt.Errorf("%s timed out: %v", name, err)
		}
		return text, err
	})
}
