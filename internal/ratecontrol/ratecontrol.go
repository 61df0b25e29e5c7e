// Package ratecontrol builds per-upstream rate limiters from a YAML policy
// file, keeping paid API usage inside each provider's quota.
package ratecontrol

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// UpstreamLimit is one upstream's quota policy.
type UpstreamLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Policy is the full rate policy document.
type Policy struct {
	Upstreams map[string]UpstreamLimit `yaml:"upstreams"`
}

// defaultLimits apply when the policy file is absent or omits an upstream.
var defaultLimits = map[string]UpstreamLimit{
	"llm":    {RequestsPerMinute: 60, Burst: 10},
	"search": {RequestsPerMinute: 100, Burst: 10},
}

// Registry hands out one shared limiter per upstream.
type Registry struct {
	mu       sync.Mutex
	policy   Policy
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// Load reads the policy file. A missing file is not an error; the registry
// falls back to built-in defaults.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	reg := &Registry{
		policy:   Policy{Upstreams: map[string]UpstreamLimit{}},
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}

	if path == "" {
		return reg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("Rate policy file not found, using defaults", zap.String("path", path))
		return reg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rate policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &reg.policy); err != nil {
		return nil, fmt.Errorf("parse rate policy: %w", err)
	}
	if reg.policy.Upstreams == nil {
		reg.policy.Upstreams = map[string]UpstreamLimit{}
	}
	logger.Info("Loaded rate policy",
		zap.String("path", path),
		zap.Int("upstreams", len(reg.policy.Upstreams)))
	return reg, nil
}

// Limiter returns the shared limiter for an upstream, creating it on first
// use. Unknown upstreams with no default are unlimited.
func (r *Registry) Limiter(upstream string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lim, ok := r.limiters[upstream]; ok {
		return lim
	}

	limit, ok := r.policy.Upstreams[upstream]
	if !ok || limit.RequestsPerMinute <= 0 {
		limit, ok = defaultLimits[upstream]
		if !ok {
			limit = UpstreamLimit{}
		}
	}

	var lim *rate.Limiter
	if limit.RequestsPerMinute <= 0 {
		lim = rate.NewLimiter(rate.Inf, 1)
	} else {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(limit.RequestsPerMinute)/60.0), burst)
	}
	r.limiters[upstream] = lim
	return lim
}
