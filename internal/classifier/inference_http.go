package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPInferencer calls a model server speaking the KServe v2 inference
// protocol (Triton, KServe, Seldon MLServer).
type HTTPInferencer struct {
	baseURL string
	model   string
	http    *http.Client
	breaker *circuitBreaker
}

func NewHTTPInferencer(baseURL, model string, timeout time.Duration) (*HTTPInferencer, error) {
	if baseURL == "" {
		return nil, errors.New("ML_MODEL_URL is required")
	}
	if model == "" {
		return nil, errors.New("ML_MODEL_NAME is required")
	}
	return &HTTPInferencer{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferRequest struct {
	Inputs []inferTensor `json:"inputs"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferTensor `json:"outputs"`
}

func (c *HTTPInferencer) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v2/models/%s/ready", c.baseURL, c.model), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model readiness check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model %s not ready: status %d", c.model, resp.StatusCode)
	}
	return nil
}

func (c *HTTPInferencer) Infer(ctx context.Context, input Tensor) ([]float32, error) {
	if c.breaker.Open() {
		return nil, errors.New("model circuit open")
	}
	body, err := json.Marshal(inferRequest{Inputs: []inferTensor{{
		Name:     "input",
		Shape:    input.Shape,
		Datatype: "FP32",
		Data:     input.Data,
	}}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v2/models/%s/infer", c.baseURL, c.model), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.breaker.Fail()
		return nil, fmt.Errorf("model server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model request rejected: status %d", resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.Fail()
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if len(out.Outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs", ErrOutputShape)
	}
	c.breaker.Success()
	return out.Outputs[0].Data, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
