package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"serverless-dag-tuner/pkg/api/v1alpha1"
)

func batch(n int) []v1alpha1.StageInvocation {
	out := make([]v1alpha1.StageInvocation, n)
	for i := range out {
		out[i] = v1alpha1.StageInvocation{StageID: "s", Compute: "fn", WorkerID: i, NumWorkers: n}
	}
	return out
}

func TestPoolKeepsBatchOrder(t *testing.T) {
	pool := NewPool(InvokerFunc(func(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error) {
		// Later workers finish first.
		time.Sleep(time.Duration(10-inv.WorkerID) * time.Millisecond)
		return []byte{byte(inv.WorkerID)}, v1alpha1.FunctionTimes{Read: 1, Compute: float64(inv.WorkerID)}, nil
	}), 0)

	results, err := pool.Submit(context.Background(), batch(8))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i, r := range results {
		if r.WorkerID != i || r.Result[0] != byte(i) {
			t.Errorf("Expected result %d in position %d, got worker %d", i, i, r.WorkerID)
		}
		if r.Times.Total != 1+float64(i) {
			t.Errorf("Expected total filled from phases, got %v", r.Times.Total)
		}
	}
}

func TestPoolRecordsInvocationErrors(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(InvokerFunc(func(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error) {
		if inv.WorkerID == 1 {
			return nil, v1alpha1.FunctionTimes{}, boom
		}
		return nil, v1alpha1.FunctionTimes{Compute: 1}, nil
	}), 2)

	results, err := pool.Submit(context.Background(), batch(3))
	if err != nil {
		t.Fatalf("Expected invocation errors to stay per-result, got %v", err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("Expected worker 1 error, got %v", results[1].Err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("Expected other workers to succeed, got %v %v", results[0].Err, results[2].Err)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	pool := NewPool(InvokerFunc(func(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, v1alpha1.FunctionTimes{}, nil
	}), 3)

	if _, err := pool.Submit(context.Background(), batch(12)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if peak > 3 {
		t.Errorf("Expected at most 3 concurrent invocations, got %d", peak)
	}
}

func TestPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := NewPool(InvokerFunc(func(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error) {
		return nil, v1alpha1.FunctionTimes{}, nil
	}), 1)
	if _, err := pool.Submit(ctx, batch(2)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestHTTPInvoker(t *testing.T) {
	var got v1alpha1.StageInvocation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/function/wordcount" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"result": {"words": 3}, "times": {"read": 0.5, "compute": 2, "write": 0.25, "cold_start": 0.1, "total": 2.85}}`))
	}))
	defer srv.Close()

	inv, err := NewHTTPInvoker(HTTPOptions{Gateway: srv.URL + "/", Rate: 100})
	if err != nil {
		t.Fatalf("NewHTTPInvoker: %v", err)
	}
	out, times, err := inv.Invoke(context.Background(), v1alpha1.StageInvocation{
		StageID: "count", Compute: "wordcount", WorkerID: 2, NumWorkers: 4,
		InputRefs: []string{"in/a"}, OutputRefs: []string{"out/2"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"words": 3}` {
		t.Errorf("Expected raw result, got %s", out)
	}
	if times.Compute != 2 || times.Total != 2.85 {
		t.Errorf("Unexpected times %+v", times)
	}
	if got.StageID != "count" || got.WorkerID != 2 || got.InputRefs[0] != "in/a" {
		t.Errorf("Gateway received %+v", got)
	}

	_, _, err = inv.Invoke(context.Background(), v1alpha1.StageInvocation{Compute: "missing"})
	if err == nil {
		t.Error("Expected error for non-2xx response")
	}
}

func TestHTTPInvokerRequiresGateway(t *testing.T) {
	if _, err := NewHTTPInvoker(HTTPOptions{}); err == nil {
		t.Error("Expected error without gateway")
	}
}
