package llm

import (
	"context"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/resilience"
)

// CircuitBreakerAdapter gates an LLMAdapter behind a breaker. While the
// breaker is open every call fails fast with a rate-limit error, which
// the fallback chain upstream treats as a signal to try the next
// provider.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver wires breaker transitions into metrics. Optional.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

// deny reports whether the breaker refuses this call, recording the
// state change and the denial when it does.
func (a *CircuitBreakerAdapter) deny() bool {
	if a.breaker.Allow() {
		a.setOpen(false)
		return false
	}
	a.setOpen(true)
	a.record(metrics.EventBreakerDenied)
	return true
}

// settle feeds the call outcome back into the breaker.
func (a *CircuitBreakerAdapter) settle(err error) {
	if err == nil {
		a.breaker.OnSuccess()
		return
	}
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
}

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if a.deny() {
		return Response{}, resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}
	}
	resp, err := a.inner.Generate(ctx, input)
	a.settle(err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	if a.deny() {
		return nil, resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}
	}
	ch, err := a.inner.Stream(ctx, input)
	a.settle(err)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *CircuitBreakerAdapter) record(name string) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  a.inner.Name(),
			"component": "llm",
		},
	})
}

// setOpen records open/close transitions exactly once per edge.
func (a *CircuitBreakerAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}
