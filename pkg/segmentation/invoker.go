// Package segmentation drives the create-and-poll prediction protocol of the
// hosted segmentation model and derives a mask reference from its output.
package segmentation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/menta2k/food-portion/pkg/masklocator"
	"github.com/menta2k/food-portion/pkg/types"
)

const (
	// PollInterval is the wait between two status polls
	PollInterval = time.Second

	// MaxPolls caps polling at roughly one minute
	MaxPolls = 60

	serviceName = "segmentation"
)

// State is the lifecycle position of one prediction
type State string

const (
	StateCreated   State = "created"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// pending service statuses; anything else is terminal
var pendingStatuses = map[string]bool{
	"starting":   true,
	"processing": true,
}

// Config is the service endpoint and model selection
type Config struct {
	BaseURL      string
	Token        string
	ModelVersion string
}

// Invoker runs one prediction per call. It holds no per-run state, so a single
// Invoker serves concurrent runs.
type Invoker struct {
	cfg        Config
	httpClient *http.Client
	clock      clock.Clock
	interval   time.Duration
	maxPolls   int
	logger     *zap.SugaredLogger
}

// Option customizes an Invoker
type Option func(*Invoker)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(i *Invoker) { i.httpClient = c }
}

// WithClock replaces the wall clock used between polls
func WithClock(c clock.Clock) Option {
	return func(i *Invoker) { i.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(i *Invoker) { i.logger = l }
}

// New creates an Invoker
func New(cfg Config, opts ...Option) *Invoker {
	inv := &Invoker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clock.New(),
		interval:   PollInterval,
		maxPolls:   MaxPolls,
		logger:     zap.NewNop().Sugar(),
	}
	inv.cfg.BaseURL = strings.TrimSuffix(inv.cfg.BaseURL, "/")
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// prediction is the subset of the service's prediction object we act on
type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error"`
	Output json.RawMessage `json:"output"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// run tracks one prediction through the protocol
type run struct {
	state State
	polls int
	pred  prediction
	raw   []byte
}

// Invoke submits the image and waits for a terminal prediction. The mask is
// searched for in the prediction's output, or in the whole prediction when it
// has no output.
func (inv *Invoker) Invoke(ctx context.Context, in types.ImageInput) (*types.SegmentationResult, error) {
	body, err := json.Marshal(map[string]any{
		"version": inv.cfg.ModelVersion,
		"input":   map[string]string{"image": in.DataURI()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	r := &run{}
	r.raw, err = inv.do(ctx, http.MethodPost, inv.cfg.BaseURL+"/predictions", body)
	if err != nil {
		return nil, err
	}
	if err := r.decode(); err != nil {
		return nil, err
	}
	r.state = StateCreated
	inv.logger.Debugw("prediction created", "id", r.pred.ID, "status", r.pred.Status, "state", r.state)

	if pendingStatuses[r.pred.Status] {
		if err := inv.poll(ctx, r); err != nil {
			return nil, err
		}
	}

	return inv.finish(r)
}

// poll advances a pending run until it leaves the pending set or the cap is hit
func (inv *Invoker) poll(ctx context.Context, r *run) error {
	if r.pred.URLs.Get == "" {
		return &types.UpstreamError{Service: serviceName, Status: r.pred.Status, Payload: "no poll location in prediction"}
	}
	r.state = StatePolling
	location := r.pred.URLs.Get

	for r.polls < inv.maxPolls {
		select {
		case <-ctx.Done():
			return &types.UpstreamError{Service: serviceName, Status: r.pred.Status, Payload: "cancelled while polling", Err: ctx.Err()}
		case <-inv.clock.After(inv.interval):
		}

		raw, err := inv.do(ctx, http.MethodGet, location, nil)
		if err != nil {
			return err
		}
		r.polls++
		r.raw = raw
		if err := r.decode(); err != nil {
			return err
		}
		if !pendingStatuses[r.pred.Status] {
			return nil
		}
	}

	r.state = StateTimedOut
	inv.logger.Warnw("prediction still pending at poll cap", "id", r.pred.ID, "polls", r.polls, "state", r.state)
	return &types.UpstreamError{
		Service: serviceName,
		Status:  r.pred.Status,
		Payload: fmt.Sprintf("prediction %s still %s after %d polls", r.pred.ID, r.pred.Status, r.polls),
		Timeout: true,
	}
}

// finish maps a terminal prediction to a result or an error
func (inv *Invoker) finish(r *run) (*types.SegmentationResult, error) {
	switch r.pred.Status {
	case "failed", "canceled":
		r.state = StateFailed
		inv.logger.Warnw("prediction failed", "id", r.pred.ID, "status", r.pred.Status, "state", r.state)
		return nil, &types.UpstreamError{
			Service: serviceName,
			Status:  r.pred.Status,
			Payload: diagnostic(r.pred.Error),
		}
	}
	r.state = StateSucceeded

	result := &types.SegmentationResult{
		ID:         r.pred.ID,
		Status:     r.pred.Status,
		Prediction: json.RawMessage(r.raw),
		Polls:      r.polls,
	}

	// The prediction echoes its input, including the uploaded image as a data
	// URI, so the search is confined to the output when there is one.
	target := r.raw
	if len(r.pred.Output) > 0 && string(r.pred.Output) != "null" {
		target = r.pred.Output
	}
	ref, ok, err := masklocator.LocateJSON(target)
	if err != nil {
		return nil, &types.UpstreamError{Service: serviceName, Status: r.pred.Status, Payload: "unparseable prediction", Err: err}
	}
	if ok {
		result.MaskURL = &ref
	}
	inv.logger.Debugw("prediction finished", "id", r.pred.ID, "status", r.pred.Status, "state", r.state, "polls", r.polls, "mask", ok)
	return result, nil
}

func (r *run) decode() error {
	r.pred = prediction{}
	if err := json.Unmarshal(r.raw, &r.pred); err != nil {
		return &types.UpstreamError{Service: serviceName, Payload: "invalid prediction JSON", Err: err}
	}
	return nil
}

func (inv *Invoker) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "wait")
	}
	if inv.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+inv.cfg.Token)
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return nil, &types.UpstreamError{Service: serviceName, Err: err, Timeout: ctx.Err() == context.DeadlineExceeded}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.UpstreamError{Service: serviceName, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.UpstreamError{
			Service: serviceName,
			Status:  fmt.Sprintf("HTTP %d", resp.StatusCode),
			Payload: strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

// diagnostic renders the service's error field, which may be a string or an object
func diagnostic(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
