package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/mealsense/internal/retry"
)

const defaultAttemptTimeout = 60 * time.Second

// Client runs analysis requests through a Transport under two retry
// policies: transient failures use the outer policy, unparseable output
// the narrower inner one.
type Client struct {
	transport Transport
	transient *retry.Policy
	badJSON   *retry.Policy
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClient creates a client. Nil policies fall back to the retry
// package defaults. A non-positive timeout uses 60s per attempt.
func NewClient(t Transport, transient, badJSON *retry.Policy, attemptTimeout time.Duration) *Client {
	if transient == nil {
		transient = retry.New(retry.DefaultConfig())
	}
	if badJSON == nil {
		badJSON = retry.New(retry.BadJSONConfig())
	}
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	return &Client{
		transport: t,
		transient: transient,
		badJSON:   badJSON,
		timeout:   attemptTimeout,
		logger:    slog.Default(),
	}
}

// Model returns the model version results are attributed to.
func (c *Client) Model() string { return c.transport.Model() }

// Analyze identifies the foods in req's image. The returned error is a
// classified *retry.Error once every budget is spent.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	if err := req.Image.Validate(); err != nil {
		return Result{}, retry.Wrap(retry.KindPermanent, err)
	}
	prompt := BuildPrompt(req)

	res, err := retry.Do(ctx, c.transient, func(ctx context.Context) (Result, error) {
		return retry.Do(ctx, c.badJSON, func(ctx context.Context) (Result, error) {
			return c.attempt(ctx, prompt)
		})
	})
	if err != nil {
		return Result{}, err
	}
	res.ModelVersion = c.transport.Model()
	return res, nil
}

func (c *Client) attempt(ctx context.Context, p Prompt) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.transport.Complete(ctx, p)
	if err != nil {
		return Result{}, retry.Classify(fmt.Errorf("calling %s: %w", c.transport.Model(), err))
	}
	res, err := ParseResponse(raw)
	if err != nil {
		c.logger.Warn("unparseable model output", "model", c.transport.Model(), "error", err)
		return Result{}, err
	}
	c.logger.Debug("oracle call complete", "model", c.transport.Model(),
		"items", len(res.Items), "duration", time.Since(start))
	return res, nil
}
