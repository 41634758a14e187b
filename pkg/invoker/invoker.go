// Package invoker is the single egress point for remote model calls.
// It enforces per-call deadlines, reserves estimated cost from the budget
// ledger before sending, and settles every reservation exactly once:
// recorded with the actual reported usage on success, released on any
// failure. There are no retries at this layer.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/manuscriptlab/palimpsest/pkg/budget"
	"github.com/manuscriptlab/palimpsest/pkg/metrics"
	"github.com/manuscriptlab/palimpsest/pkg/version"
)

// MaxInputChars is the hard upper bound on user input length. Callers are
// expected to truncate before invoking; anything longer is cut here.
const MaxInputChars = 1500

// ErrTimeout is returned when the call deadline elapses; the in-flight
// request is cancelled and the reservation released.
var ErrTimeout = errors.New("model call deadline exceeded")

// ErrUnknownModel is returned for model ids outside the registered set.
var ErrUnknownModel = errors.New("unknown model id")

// ModelError reports a failed endpoint interaction: non-2xx status,
// malformed response, transport failure, or missing credentials.
type ModelError struct {
	StatusCode int
	Reason     string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model error (status %d): %s", e.StatusCode, e.Reason)
}

// Request describes one model call.
type Request struct {
	Model     string
	System    string
	Input     string
	MaxTokens int
	Deadline  time.Time // absolute; zero means ctx-bound only
}

// Response carries the model output and the usage the endpoint reported.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Client is the capability agents consume. The concrete HTTPInvoker is the
// production implementation; tests substitute stubs.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ModelSpec registers a model id with its per-token unit cost.
type ModelSpec struct {
	ID          string
	UnitCostUSD float64 // currency units per token, input and output alike
}

// HTTPInvoker talks to an Anthropic-shaped JSON-over-HTTP messages API.
type HTTPInvoker struct {
	baseURL string
	apiKey  string
	client  *http.Client
	ledger  *budget.Ledger
	limiter *rate.Limiter
	models  map[string]ModelSpec
}

// New creates the invoker. An empty apiKey is allowed: every call then
// fails with a ModelError, which pushes all agents onto their fallback
// paths.
func New(baseURL, apiKey string, ledger *budget.Ledger, rps float64, specs []ModelSpec) *HTTPInvoker {
	models := make(map[string]ModelSpec, len(specs))
	for _, s := range specs {
		models[s.ID] = s
	}
	return &HTTPInvoker{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
		ledger:  ledger,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		models:  models,
	}
}

type messagesRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke performs one model call under the request deadline.
// Exactly one of Record/Release happens for the reserved ticket, on every
// path out of this function.
func (inv *HTTPInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	spec, ok := inv.models[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}

	input := req.Input
	if len(input) > MaxInputChars {
		input = input[:MaxInputChars]
	}

	estimate := spec.UnitCostUSD * float64(len(input)/4+req.MaxTokens)
	ticket, err := inv.ledger.Reserve(req.Model, estimate, req.Deadline)
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			metrics.ModelCalls.WithLabelValues(req.Model, "budget_exceeded").Inc()
		}
		return nil, err
	}

	resp, err := inv.send(ctx, req, spec, input)
	if err != nil {
		if relErr := inv.ledger.Release(ticket); relErr != nil {
			slog.Error("Failed to release budget ticket", "ticket_id", ticket.ID, "error", relErr)
		}
		inv.countFailure(req.Model, err)
		return nil, err
	}

	actual := spec.UnitCostUSD * float64(resp.InputTokens+resp.OutputTokens)
	resp.CostUSD = actual
	if recErr := inv.ledger.Record(ticket, actual); recErr != nil {
		slog.Error("Failed to record budget ticket", "ticket_id", ticket.ID, "error", recErr)
	}
	metrics.ModelCalls.WithLabelValues(req.Model, "ok").Inc()
	metrics.BudgetSpend.Set(inv.ledger.Snapshot().SpendUSD)
	return resp, nil
}

func (inv *HTTPInvoker) send(ctx context.Context, req Request, spec ModelSpec, input string) (*Response, error) {
	if inv.apiKey == "" {
		return nil, &ModelError{Reason: "api key not configured"}
	}

	callCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if err := inv.limiter.Wait(callCtx); err != nil {
		return nil, classifyCtxErr(callCtx, err)
	}

	body, err := json.Marshal(messagesRequest{
		Model:     spec.ID,
		System:    req.System,
		MaxTokens: req.MaxTokens,
		Messages:  []chatMessage{{Role: "user", Content: input}},
	})
	if err != nil {
		return nil, &ModelError{Reason: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, inv.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &ModelError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", inv.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("User-Agent", version.Full())

	httpResp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, classifyCtxErr(callCtx, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &ModelError{StatusCode: httpResp.StatusCode, Reason: string(snippet)}
	}

	var parsed messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, &ModelError{StatusCode: httpResp.StatusCode, Reason: fmt.Sprintf("malformed response: %v", err)}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Response{
		Text:         text,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

// classifyCtxErr maps context expiry onto the invoker error surface.
// Deadline elapse becomes ErrTimeout; caller cancellation propagates as-is
// so the pipeline can distinguish disconnect from a slow endpoint.
func classifyCtxErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return context.Canceled
	default:
		return &ModelError{Reason: err.Error()}
	}
}

func (inv *HTTPInvoker) countFailure(model string, err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		metrics.ModelCalls.WithLabelValues(model, "timeout").Inc()
	case errors.Is(err, context.Canceled):
		metrics.ModelCalls.WithLabelValues(model, "cancelled").Inc()
	default:
		metrics.ModelCalls.WithLabelValues(model, "model_error").Inc()
	}
}
