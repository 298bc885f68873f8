package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"serverless-dag-tuner/pkg/api/v1alpha1"
)

// HTTPInvoker calls a function gateway: POST <gateway>/function/<compute>.
type HTTPInvoker struct {
	gateway string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOptions configure an HTTPInvoker. A zero Rate disables limiting.
type HTTPOptions struct {
	Gateway string        `yaml:"gateway"`
	Timeout time.Duration `yaml:"timeout"`
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
}

// invokeResponse is the gateway's reply body.
type invokeResponse struct {
	Result json.RawMessage        `json:"result"`
	Times  v1alpha1.FunctionTimes `json:"times"`
	Error  string                 `json:"error,omitempty"`
}

func NewHTTPInvoker(opts HTTPOptions) (*HTTPInvoker, error) {
	if opts.Gateway == "" {
		return nil, fmt.Errorf("http invoker: gateway URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.Rate) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return &HTTPInvoker{
		gateway: strings.TrimRight(opts.Gateway, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
	}, nil
}

func (h *HTTPInvoker) Invoke(ctx context.Context, inv v1alpha1.StageInvocation) ([]byte, v1alpha1.FunctionTimes, error) {
	if h.limiter.Limit() != rate.Inf {
		if !h.limiter.Allow() {
			rateLimitedWaits.Inc()
			if err := h.limiter.Wait(ctx); err != nil {
				return nil, v1alpha1.FunctionTimes{}, err
			}
		}
	}

	body, err := json.Marshal(inv)
	if err != nil {
		return nil, v1alpha1.FunctionTimes{}, err
	}
	url := h.gateway + "/function/" + inv.Compute
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, v1alpha1.FunctionTimes{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, v1alpha1.FunctionTimes{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, v1alpha1.FunctionTimes{}, err
	}
	if resp.StatusCode >= 300 {
		return nil, v1alpha1.FunctionTimes{}, fmt.Errorf("invoke %s: %s: %s", inv.Compute, resp.Status, strings.TrimSpace(string(raw)))
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, v1alpha1.FunctionTimes{}, fmt.Errorf("invoke %s: decode response: %w", inv.Compute, err)
	}
	if out.Error != "" {
		return nil, v1alpha1.FunctionTimes{}, fmt.Errorf("invoke %s: %s", inv.Compute, out.Error)
	}
	return out.Result, out.Times, nil
}
