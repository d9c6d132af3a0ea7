// Package router selects a backing model for AI completion requests,
// trading cost against quality. Standard-tier traffic is weighted-random;
// high-value detections escalate to the sota tier; repeatedly failing
// models are routed around until their error count decays.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tier partitions the model catalog by cost.
type Tier string

const (
	TierStandard Tier = "standard"
	TierSota     Tier = "sota"
)

// ErrModelUnavailable is returned after the fallback attempt also fails.
// Callers treat it as a transient failure for retry accounting; the router
// itself never retries further.
var ErrModelUnavailable = errors.New("router: model completion failed after fallback")

// ModelConfig describes one catalog entry. The catalog is loaded at start
// and immutable thereafter.
type ModelConfig struct {
	ID             string  `mapstructure:"id"`
	Weight         int     `mapstructure:"weight"`
	Tier           Tier    `mapstructure:"tier"`
	InputCostPerM  float64 `mapstructure:"input_cost_per_m"`
	OutputCostPerM float64 `mapstructure:"output_cost_per_m"`
}

// Options tune router behaviour.
type Options struct {
	// CircuitThreshold is the decayed error count at which a model stops
	// being selected directly. Default 3.
	CircuitThreshold int
	// ErrorCooldown is the window after which one recorded error decays.
	// Default 5 minutes.
	ErrorCooldown time.Duration
}

// Stats is a point-in-time snapshot of routing state, exposed for the
// metrics endpoint. Never persisted; a restart resets it.
type Stats struct {
	Calls     map[string]int64
	Errors    map[string]int
	LastModel string
	SotaCalls int64
}

type errorState struct {
	count int
	last  time.Time
}

// Router owns the model catalog and all mutable routing state. Safe for
// concurrent use.
type Router struct {
	standard []ModelConfig
	sota     []ModelConfig
	client   CompletionClient
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	calls     map[string]int64
	errs      map[string]*errorState
	lastModel string
	sotaCalls int64
}

// New constructs a router over the catalog. At least one standard-tier
// model is required.
func New(catalog []ModelConfig, client CompletionClient, opts Options, logger zerolog.Logger) (*Router, error) {
	if client == nil {
		return nil, fmt.Errorf("router: completion client is required")
	}
	if opts.CircuitThreshold <= 0 {
		opts.CircuitThreshold = 3
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = 5 * time.Minute
	}

	r := &Router{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "router").Logger(),
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		calls:  make(map[string]int64),
		errs:   make(map[string]*errorState),
	}

	for _, m := range catalog {
		if m.ID == "" || m.Weight <= 0 {
			return nil, fmt.Errorf("router: model %q needs an id and a positive weight", m.ID)
		}
		switch m.Tier {
		case TierStandard:
			r.standard = append(r.standard, m)
		case TierSota:
			r.sota = append(r.sota, m)
		default:
			return nil, fmt.Errorf("router: model %q has unknown tier %q", m.ID, m.Tier)
		}
	}
	if len(r.standard) == 0 {
		return nil, fmt.Errorf("router: catalog needs at least one standard-tier model")
	}

	return r, nil
}

// Request is one completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	ForceJSON   bool
	// Escalate routes the request to the sota tier.
	Escalate bool
}

// Complete selects a model, calls it, and on failure attempts exactly one
// fallback on a fresh standard-tier draw. Further retries belong to the
// stream consumer, not the router.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	model := r.selectModel(req.Escalate)

	resp, err := r.call(ctx, model, req)
	if err == nil {
		return resp, nil
	}
	r.recordError(model.ID)
	r.logger.Warn().Err(err).Str("model", model.ID).Msg("completion failed; trying fallback")

	fallback := r.selectStandard()
	if fallback.ID == model.ID {
		return Response{}, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, model.ID, err)
	}

	resp, ferr := r.call(ctx, fallback, req)
	if ferr == nil {
		return resp, nil
	}
	r.recordError(fallback.ID)
	return Response{}, fmt.Errorf("%w: %s then %s: %v", ErrModelUnavailable, model.ID, fallback.ID, ferr)
}

func (r *Router) call(ctx context.Context, model ModelConfig, req Request) (Response, error) {
	r.mu.Lock()
	r.calls[model.ID]++
	r.lastModel = model.ID
	r.mu.Unlock()

	resp, err := r.client.Complete(ctx, CompletionRequest{
		Model:       model.ID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		ForceJSON:   req.ForceJSON,
	})
	if err != nil {
		return Response{}, err
	}

	// A working model clears its whole error history.
	r.mu.Lock()
	delete(r.errs, model.ID)
	r.mu.Unlock()
	return resp, nil
}

func (r *Router) selectModel(escalate bool) ModelConfig {
	if escalate && len(r.sota) > 0 {
		r.mu.Lock()
		r.sotaCalls++
		r.mu.Unlock()
		return r.draw(r.sota)
	}
	return r.selectStandard()
}

func (r *Router) selectStandard() ModelConfig {
	return r.draw(r.standard)
}

// draw performs roulette-wheel selection over a tier and substitutes the
// next healthy model in catalog order when the drawn one has its circuit
// open.
func (r *Router) draw(tier []ModelConfig) ModelConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, m := range tier {
		total += m.Weight
	}

	pick := len(tier) - 1
	roll := r.rng.Intn(total)
	cum := 0
	for i, m := range tier {
		cum += m.Weight
		if roll < cum {
			pick = i
			break
		}
	}

	if r.decayedErrorsLocked(tier[pick].ID) < r.opts.CircuitThreshold {
		return tier[pick]
	}

	// Circuit open: walk forward with wrap-around to the first healthy
	// model instead of re-drawing.
	for off := 1; off < len(tier); off++ {
		cand := tier[(pick+off)%len(tier)]
		if r.decayedErrorsLocked(cand.ID) < r.opts.CircuitThreshold {
			return cand
		}
	}

	// Every circuit is open; the next model in order is the least-bad pick.
	return tier[(pick+1)%len(tier)]
}

func (r *Router) recordError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.errs[id]
	if st == nil {
		st = &errorState{}
		r.errs[id] = st
	}
	// Apply pending decay before stacking the new error so transient
	// blips self-heal.
	st.count = r.decayLocked(st)
	st.count++
	st.last = r.now()
}

// decayedErrorsLocked returns the effective error count after lazy decay.
func (r *Router) decayedErrorsLocked(id string) int {
	st := r.errs[id]
	if st == nil {
		return 0
	}
	return r.decayLocked(st)
}

func (r *Router) decayLocked(st *errorState) int {
	if st.count == 0 {
		return 0
	}
	elapsed := r.now().Sub(st.last)
	decayed := st.count - int(elapsed/r.opts.ErrorCooldown)
	if decayed < 0 {
		return 0
	}
	return decayed
}

// Stats snapshots routing state for observability.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Calls:     make(map[string]int64, len(r.calls)),
		Errors:    make(map[string]int, len(r.errs)),
		LastModel: r.lastModel,
		SotaCalls: r.sotaCalls,
	}
	for id, n := range r.calls {
		s.Calls[id] = n
	}
	for id := range r.errs {
		s.Errors[id] = r.decayedErrorsLocked(id)
	}
	return s
}

// ResetStats clears all routing state. Intended for test isolation.
func (r *Router) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string]int64)
	r.errs = make(map[string]*errorState)
	r.lastModel = ""
	r.sotaCalls = 0
}
