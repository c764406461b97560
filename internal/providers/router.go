package providers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrelhq/petrel/internal/observability"
	"github.com/petrelhq/petrel/pkg/models"
)

// baseCooldown seeds the per-target backoff: 2s, 4s, 8s, ... up to the
// configured cap.
const baseCooldown = 2 * time.Second

// Target is one entry in the routing chain: an adapter plus the model to
// request through it. The first target serves the caller's own model; every
// later target substitutes its configured one.
type Target struct {
	Name    string
	Adapter Adapter
	Model   string
}

type targetState struct {
	failureCount  int
	cooldownUntil time.Time
	lastSuccessAt time.Time
}

// TargetHealth is a point-in-time snapshot of one target's routing state,
// surfaced by doctor and status commands.
type TargetHealth struct {
	Name          string    `json:"name"`
	Model         string    `json:"model,omitempty"`
	Healthy       bool      `json:"healthy"`
	FailureCount  int       `json:"failure_count,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
}

// RouterConfig tunes failover behavior.
type RouterConfig struct {
	// FailureThreshold is the consecutive failure count at which a target
	// is reported unhealthy. Default: 3.
	FailureThreshold int

	// Cooldown caps the exponential per-target backoff. Default: 60s.
	Cooldown time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Router walks an ordered target chain. A target is eligible while its
// cooldown has lapsed; send failures push it back out with exponentially
// growing cooldowns, success resets it. Failover is only attempted before
// any content block has reached the caller: a stream that dies after
// emitting content surfaces its error instead of being silently restarted
// on another provider, which would splice two half-answers together.
//
// Router itself satisfies Adapter, so callers hold one send surface whether
// or not fallbacks are configured.
type Router struct {
	targets     []*Target
	threshold   int
	cooldownCap time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu    sync.Mutex
	state []targetState

	now func() time.Time
}

// NewRouter builds a router over the given chain. The target order is the
// failover order.
func NewRouter(targets []*Target, cfg RouterConfig) (*Router, error) {
	if len(targets) == 0 {
		return nil, errors.New("router: at least one target is required")
	}
	for _, t := range targets {
		if t == nil || t.Adapter == nil {
			return nil, errors.New("router: target without adapter")
		}
	}

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		targets:     targets,
		threshold:   cfg.FailureThreshold,
		cooldownCap: cfg.Cooldown,
		logger:      logger.With("component", "router"),
		metrics:     cfg.Metrics,
		state:       make([]targetState, len(targets)),
		now:         time.Now,
	}, nil
}

func (r *Router) Name() string { return "router" }

// FilterTools passes tools through; each target filters for its own wire
// format at send time.
func (r *Router) FilterTools(tools []ToolDef) []ToolDef { return tools }

// Probe reports whether any target answers.
func (r *Router) Probe(ctx context.Context) bool {
	for _, t := range r.targets {
		if t.Adapter.Probe(ctx) {
			return true
		}
	}
	return false
}

// Health reports per-target routing state in chain order.
func (r *Router) Health() []TargetHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]TargetHealth, len(r.targets))
	for i, t := range r.targets {
		s := r.state[i]
		out[i] = TargetHealth{
			Name:          t.Name,
			Model:         t.Model,
			Healthy:       s.failureCount < r.threshold && !s.cooldownUntil.After(now),
			FailureCount:  s.failureCount,
			CooldownUntil: s.cooldownUntil,
			LastSuccessAt: s.lastSuccessAt,
		}
	}
	return out
}

// Send tries each eligible target in order. The error return only fires
// when no target could be attempted at all; per-target failures stream as
// an error delta after the chain is exhausted.
func (r *Router) Send(ctx context.Context, req *Request) (<-chan models.Delta, error) {
	eligible := r.eligible()
	if len(eligible) == 0 {
		idx := r.probeRecover(ctx)
		if idx < 0 {
			return nil, NewProviderError("router", req.Model, errors.New("all providers cooling down and none answered a probe"))
		}
		eligible = []int{idx}
	}

	normalized := req.Clone()
	normalized.Messages = NormalizeMessages(req.Messages)
	PrepareImages(normalized.Messages)

	out := make(chan models.Delta)
	go r.run(ctx, normalized, eligible, out)
	return out, nil
}

// eligible returns indexes of targets whose cooldown has lapsed, in chain
// order.
func (r *Router) eligible() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []int
	for i := range r.targets {
		if !r.state[i].cooldownUntil.After(now) {
			out = append(out, i)
		}
	}
	return out
}

// probeRecover pings cooled targets in chain order and resets the first
// that answers.
func (r *Router) probeRecover(ctx context.Context) int {
	for i, t := range r.targets {
		if ctx.Err() != nil {
			return -1
		}
		if !t.Adapter.Probe(ctx) {
			continue
		}
		r.logger.Info("provider recovered by probe", "provider", t.Name)
		r.reset(i)
		return i
	}
	return -1
}

func (r *Router) run(ctx context.Context, req *Request, eligible []int, out chan<- models.Delta) {
	defer close(out)

	var lastErr error
	prev := ""
	for _, idx := range eligible {
		t := r.targets[idx]

		if prev != "" {
			r.logger.Warn("failing over",
				"from", prev,
				"to", t.Name,
				"error", lastErr)
			if r.metrics != nil {
				r.metrics.RecordFailover(prev, t.Name, failoverReason(lastErr))
			}
		}

		ch, err := t.Adapter.Send(ctx, r.requestFor(req, idx))
		if err != nil {
			if ctx.Err() != nil {
				out <- errorDelta(ctx.Err())
				return
			}
			r.markFailure(idx, err)
			lastErr = err
			prev = t.Name
			continue
		}

		delivered, err := r.relay(ctx, idx, ch, out)
		if err == nil {
			return
		}
		if delivered || ctx.Err() != nil {
			out <- errorDelta(err)
			return
		}
		lastErr = err
		prev = t.Name
	}

	if lastErr == nil {
		lastErr = NewProviderError("router", req.Model, errors.New("no provider target available"))
	}
	out <- errorDelta(lastErr)
}

// requestFor prepares the per-target request: chain targets past the first
// substitute their configured model, and tools are filtered to what the
// target's wire format can express.
func (r *Router) requestFor(req *Request, idx int) *Request {
	treq := req.Clone()
	if t := r.targets[idx]; t.Model != "" && (idx > 0 || treq.Model == "") {
		treq.Model = t.Model
	}
	treq.Tools = r.targets[idx].Adapter.FilterTools(treq.Tools)
	return treq
}

// relay forwards deltas from one target, holding back everything before the
// first content delta so a dead-on-arrival stream can still fail over.
// delivered reports whether any delta reached the caller.
func (r *Router) relay(ctx context.Context, idx int, in <-chan models.Delta, out chan<- models.Delta) (delivered bool, err error) {
	var buffer []models.Delta
	sawStop := false

	for delta := range in {
		if delta.Kind == models.DeltaError {
			streamErr := delta.Err
			if streamErr == nil {
				streamErr = errors.New("provider stream failed")
			}
			r.markFailure(idx, streamErr)
			for range in {
			}
			return delivered, streamErr
		}

		if delta.Kind == models.DeltaMessageStop {
			sawStop = true
		}

		if !delivered {
			buffer = append(buffer, delta)
			if delta.IsContent() || delta.Kind == models.DeltaMessageStop {
				for _, d := range buffer {
					out <- d
				}
				buffer = nil
				delivered = true
			}
			continue
		}
		out <- delta
	}

	if !delivered {
		// Stream closed without content or stop. Treat as a failure so the
		// next target gets a chance.
		streamErr := NewProviderError(r.targets[idx].Name, "", errors.New("stream closed without completing")).WithKind(ErrStreamInterrupted)
		r.markFailure(idx, streamErr)
		return false, streamErr
	}

	if sawStop {
		r.markSuccess(idx)
		return true, nil
	}

	// Content flowed but the stream never finished.
	streamErr := NewProviderError(r.targets[idx].Name, "", errors.New("stream closed mid-message")).WithKind(ErrStreamInterrupted)
	r.markFailure(idx, streamErr)
	return true, streamErr
}

func (r *Router) markFailure(idx int, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	r.mu.Lock()
	s := &r.state[idx]
	s.failureCount++
	cooldown := baseCooldown << (s.failureCount - 1)
	if cooldown > r.cooldownCap || cooldown <= 0 {
		cooldown = r.cooldownCap
	}
	s.cooldownUntil = r.now().Add(cooldown)
	failures := s.failureCount
	r.mu.Unlock()

	t := r.targets[idx]
	r.logger.Warn("provider send failed",
		"provider", t.Name,
		"failure_count", failures,
		"cooldown", cooldown,
		"error", err)
	if failures == r.threshold {
		r.logger.Error("provider unhealthy", "provider", t.Name, "failure_count", failures)
	}
	if r.metrics != nil {
		r.metrics.RecordError("provider", failoverReason(err))
	}
}

func (r *Router) markSuccess(idx int) {
	r.mu.Lock()
	s := &r.state[idx]
	s.failureCount = 0
	s.cooldownUntil = time.Time{}
	s.lastSuccessAt = r.now()
	r.mu.Unlock()
}

func (r *Router) reset(idx int) {
	r.mu.Lock()
	r.state[idx] = targetState{lastSuccessAt: r.state[idx].lastSuccessAt}
	r.mu.Unlock()
}

func failoverReason(err error) string {
	if perr, ok := GetProviderError(err); ok {
		return string(perr.Kind)
	}
	return string(Classify(err))
}
