package generation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LaneAnalysis is the conventional lane name for background analysis and
// summarization traffic.
const LaneAnalysis = "analysis"

// EngineConfig describes one configured engine.
type EngineConfig struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"` // "ollama" or "openai-compatible"
	URL    string   `yaml:"url"`
	APIKey string   `yaml:"api_key"`
	Models []string `yaml:"models"`
}

// LaneConfig binds a named lane to an engine.
type LaneConfig struct {
	Name   string `yaml:"name"`
	Engine string `yaml:"engine"`
}

// Router routes generation requests to engines through named lanes. The chat
// lane and the analysis lane can point at different engines so background
// analysis never competes with interactive turns for the same model.
type Router struct {
	engines     map[string]*engine
	lanes       map[string]*engine
	defaultLane string
	mu          sync.RWMutex
}

type engine struct {
	name     string
	typ      string
	models   []string
	defModel string
	client   Gateway
}

// NewRouter builds a router from engine and lane configs.
func NewRouter(engines []EngineConfig, lanes []LaneConfig, defaultLane string) (*Router, error) {
	r := &Router{
		engines:     make(map[string]*engine),
		lanes:       make(map[string]*engine),
		defaultLane: defaultLane,
	}

	for _, ec := range engines {
		models := ec.Models
		if len(models) == 0 {
			models = []string{"default"}
		}
		client, err := newClient(ec, models[0])
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", ec.Name, err)
		}
		r.engines[ec.Name] = &engine{
			name:     ec.Name,
			typ:      ec.Type,
			models:   models,
			defModel: models[0],
			client:   client,
		}
	}

	for _, lc := range lanes {
		e, ok := r.engines[lc.Engine]
		if !ok {
			return nil, fmt.Errorf("lane %s references unknown engine %s", lc.Name, lc.Engine)
		}
		r.lanes[lc.Name] = e
	}

	if r.defaultLane == "" {
		for name := range r.lanes {
			r.defaultLane = name
			break
		}
	}
	if _, ok := r.lanes[r.defaultLane]; !ok && len(r.lanes) > 0 {
		return nil, fmt.Errorf("default lane %s not found", r.defaultLane)
	}
	return r, nil
}

func newClient(ec EngineConfig, defaultModel string) (Gateway, error) {
	switch ec.Type {
	case "ollama":
		return NewOllamaClient(ec.URL, defaultModel)
	case "openai-compatible", "openai", "openrouter", "vllm":
		return NewOpenAIClient(ec.URL, ec.APIKey, defaultModel)
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", ec.Type)
	}
}

// GenerateOn routes a request through the named lane, falling back to the
// default lane when lane is empty.
func (r *Router) GenerateOn(ctx context.Context, lane string, req *Request) (*Result, error) {
	r.mu.RLock()
	if lane == "" {
		lane = r.defaultLane
	}
	e, ok := r.lanes[lane]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: lane %s not found", ErrTransport, lane)
	}

	if req.Model == "" {
		req.Model = e.defModel
	}
	return e.client.Generate(ctx, req)
}

// Generate satisfies Gateway using the default lane.
func (r *Router) Generate(ctx context.Context, req *Request) (*Result, error) {
	return r.GenerateOn(ctx, "", req)
}

// Lane returns a Gateway pinned to the named lane. A lane that is not
// configured resolves to the default lane at call time, so a single-lane
// deployment still routes background work.
func (r *Router) Lane(name string) Gateway {
	return &laneGateway{router: r, lane: name}
}

type laneGateway struct {
	router *Router
	lane   string
}

func (g *laneGateway) Generate(ctx context.Context, req *Request) (*Result, error) {
	g.router.mu.RLock()
	_, ok := g.router.lanes[g.lane]
	g.router.mu.RUnlock()
	lane := g.lane
	if !ok {
		lane = ""
	}
	return g.router.GenerateOn(ctx, lane, req)
}

func (g *laneGateway) Health(ctx context.Context) error {
	return g.router.Health(ctx)
}

// Health checks every engine and returns the first failure.
func (r *Router) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, e := range r.engines {
		if err := e.client.Health(ctx); err != nil {
			return fmt.Errorf("engine %s: %w", name, err)
		}
	}
	return nil
}

// Models returns the flat sorted list of configured models.
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range r.engines {
		for _, m := range e.models {
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
