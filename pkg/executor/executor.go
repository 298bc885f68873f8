// Package executor submits stage invocations to the serverless execution
// service and collects their timings.
package executor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

// Service runs a batch of invocations and blocks until every one returned.
// Results are in batch order; a failed invocation sets its result's Err.
type Service interface {
	Submit(ctx context.Context, batch []v1alpha1.StageInvocation) ([]v1alpha1.InvocationResult, error)
}

// Invoker performs a single invocation.
type Invoker interface {
	Invoke(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error) {
	return f(ctx, inv)
}

// Pool implements Service over an Invoker with bounded concurrency.
type Pool struct {
	invoker     Invoker
	maxInFlight int
}

// NewPool returns a pool running at most maxInFlight invocations at once;
// non-positive means DefaultMaxInFlight.
func NewPool(invoker Invoker, maxInFlight int) *Pool {
	if maxInFlight <= 0 {
		maxInFlight = constants.DefaultMaxInFlight
	}
	return &Pool{invoker: invoker, maxInFlight: maxInFlight}
}

func (p *Pool) Submit(ctx context.Context, batch []v1alpha1.StageInvocation) ([]v1alpha1.InvocationResult, error) {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	results := make([]v1alpha1.InvocationResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxInFlight)

	for i := range batch {
		i := i
		inv := batch[i]
		results[i] = v1alpha1.InvocationResult{StageID: inv.StageID, WorkerID: inv.WorkerID}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, times, err := p.invoker.Invoke(gctx, inv)
			if err != nil {
				klog.V(3).Infof("Invocation stage_id=%s worker=%d failed: %v", inv.StageID, inv.WorkerID, err)
				invocationsTotal.WithLabelValues(outcomeError).Inc()
				results[i].Err = err
				return nil
			}
			if times.Total == 0 {
				times.Total = times.Read + times.Compute + times.Write + times.ColdStart
			}
			results[i].Result = out
			results[i].Times = times
			invocationsTotal.WithLabelValues(outcomeSuccess).Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	klog.V(4).Infof("Batch of %d invocations finished in %v", len(batch), time.Since(start))
	return results, nil
}
