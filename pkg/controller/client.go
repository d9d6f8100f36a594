package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/observability"
)

var (
	// ErrRejected means the controller refused our credentials. It is not
	// retried and not failed over.
	ErrRejected = errors.New("controller rejected credentials")

	// ErrUnavailable means every endpoint exhausted its attempts
	ErrUnavailable = errors.New("no controller endpoint reachable")
)

// Outcome is the caller-facing result of a controller call
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	default:
		return "timeout"
	}
}

// OutcomeOf classifies an error returned by the client
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRejected):
		return OutcomeRejected
	default:
		return OutcomeTimeout
	}
}

// Endpoint is a controller base URL and its failover rank (lower first)
type Endpoint struct {
	URL      string
	Priority int
}

// Options configures retry and failover behaviour
type Options struct {
	Endpoints           []Endpoint
	AttemptTimeout      time.Duration
	AttemptsPerEndpoint int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	BackoffMultiplier   float64
	BackoffJitter       float64
	HTTPClient          *http.Client
}

func (o *Options) validate() error {
	if len(o.Endpoints) == 0 {
		return fmt.Errorf("at least one controller endpoint is required")
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 5 * time.Second
	}
	if o.AttemptsPerEndpoint <= 0 {
		o.AttemptsPerEndpoint = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.BackoffJitter < 0 || o.BackoffJitter >= 1 {
		o.BackoffJitter = 0.2
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return nil
}

func (o *Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BackoffBase
	b.MaxInterval = o.BackoffMax
	b.Multiplier = o.BackoffMultiplier
	b.RandomizationFactor = o.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// endpointState tracks an endpoint across calls. After exhausting its
// attempts an endpoint cools down and is tried after healthy ones until the
// cool-down passes.
type endpointState struct {
	Endpoint
	cooldown  *backoff.ExponentialBackOff
	downUntil time.Time
}

// Client is the only channel to the controller API. Calls try endpoints in
// priority order with per-endpoint exponential backoff and report failures as
// values the caller maps to a connection state.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints []*endpointState
	token     string
	active    string
	onSwitch  func(from, to string)

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient creates a controller client
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		opts:   opts,
		logger: logger.With(zap.String("component", "controller-client")),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	c.SetEndpoints(opts.Endpoints)
	return c, nil
}

// OnEndpointChange registers fn to be called when a different endpoint
// starts answering.
func (c *Client) OnEndpointChange(fn func(from, to string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSwitch = fn
}

// SetEndpoints replaces the endpoint list (configuration reload)
func (c *Client) SetEndpoints(eps []Endpoint) {
	sorted := append([]Endpoint(nil), eps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	states := make([]*endpointState, 0, len(sorted))
	for _, ep := range sorted {
		states = append(states, &endpointState{Endpoint: ep, cooldown: c.opts.newBackOff()})
	}

	c.mu.Lock()
	c.endpoints = states
	c.active = ""
	c.mu.Unlock()
}

// Endpoints returns the configured endpoints in priority order
func (c *Client) Endpoints() []Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, ep.Endpoint)
	}
	return out
}

// ActiveEndpoint returns the URL of the last endpoint that answered
func (c *Client) ActiveEndpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// SetToken sets the bearer credential used on every call
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer credential
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// order returns endpoints by priority with cooling-down endpoints last
func (c *Client) order() []*endpointState {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var ready, cooling []*endpointState
	for _, ep := range c.endpoints {
		if now.Before(ep.downUntil) {
			cooling = append(cooling, ep)
		} else {
			ready = append(ready, ep)
		}
	}
	return append(ready, cooling...)
}

// attemptFunc performs one request against base
type attemptFunc func(ctx context.Context, base string) error

// call runs fn against the endpoints until one succeeds, the credentials are
// rejected, a request is permanently refused, or ctx expires.
func (c *Client) call(ctx context.Context, op string, fn attemptFunc) (err error) {
	start := c.now()
	ctx, span := observability.StartSpan(ctx, "controller."+op, attribute.String("controller.operation", op))
	defer func() {
		observability.ControllerCallDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		observability.EndSpan(span, err)
	}()

	endpoints := c.order()
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrUnavailable)
	}

	var lastErr error
	for i, ep := range endpoints {
		retry := c.opts.newBackOff()

		for attempt := 1; attempt <= c.opts.AttemptsPerEndpoint; attempt++ {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
			// only the first attempt of a call may run short of the deadline
			if (i > 0 || attempt > 1) && !c.fits(ctx, 0) {
				return fmt.Errorf("%w: no time left for another attempt: %v", ErrUnavailable, lastErr)
			}

			actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
			err := fn(actx, ep.URL)
			cancel()

			if err == nil {
				c.succeeded(ep, i, op)
				return nil
			}

			observability.ControllerAttemptsTotal.WithLabelValues(ep.URL, op, resultLabel(err)).Inc()
			c.logger.Debug("Controller attempt failed",
				zap.String("operation", op),
				zap.String("endpoint", ep.URL),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)

			if errors.Is(err, ErrRejected) || !retryable(err) {
				return err
			}
			lastErr = err

			if attempt == c.opts.AttemptsPerEndpoint {
				break
			}
			wait := retry.NextBackOff()
			if !c.fits(ctx, wait) {
				break
			}
			if err := c.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		c.markDown(ep)
		if i+1 < len(endpoints) {
			c.logger.Warn("Controller endpoint unavailable, failing over",
				zap.String("operation", op),
				zap.String("endpoint", ep.URL),
				zap.String("next", endpoints[i+1].URL),
				zap.Error(lastErr),
			)
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// fits reports whether waiting d still leaves room for another attempt
// within the caller's deadline.
func (c *Client) fits(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return c.now().Add(d + c.opts.AttemptTimeout).Before(deadline)
}

func (c *Client) succeeded(ep *endpointState, rank int, op string) {
	observability.ControllerAttemptsTotal.WithLabelValues(ep.URL, op, "success").Inc()

	c.mu.Lock()
	ep.downUntil = time.Time{}
	ep.cooldown.Reset()
	previous := c.active
	c.active = ep.URL
	onSwitch := c.onSwitch
	c.mu.Unlock()

	if rank > 0 {
		observability.ControllerFailoversTotal.Inc()
	}
	if previous != ep.URL {
		c.logger.Info("Controller endpoint active",
			zap.String("endpoint", ep.URL),
			zap.Int("priority", ep.Priority),
			zap.String("previous", previous),
		)
		if onSwitch != nil && previous != "" {
			onSwitch(previous, ep.URL)
		}
	}
}

func (c *Client) markDown(ep *endpointState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep.downUntil = c.now().Add(ep.cooldown.NextBackOff())
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
