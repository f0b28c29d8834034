package circuit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// Override adjusts breaker configuration for capabilities whose name matches
// Pattern. Zero fields inherit the base configuration.
type Override struct {
	Pattern           string        `yaml:"pattern" json:"pattern"`
	FailureThreshold  int           `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout,omitempty" json:"recovery_timeout,omitempty"`
	MemoryThresholdMB float64       `yaml:"memory_threshold_mb,omitempty" json:"memory_threshold_mb,omitempty"`
}

type compiledOverride struct {
	Override
	matcher glob.Glob
}

func compileOverrides(overrides []Override) ([]compiledOverride, error) {
	compiled := make([]compiledOverride, 0, len(overrides))
	for _, o := range overrides {
		g, err := glob.Compile(o.Pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("compile override pattern %q: %w", o.Pattern, err)
		}
		compiled = append(compiled, compiledOverride{Override: o, matcher: g})
	}
	return compiled, nil
}

// Set holds one breaker per capability, created on first use.
type Set struct {
	opts []Option

	mu        sync.RWMutex
	base      Config
	overrides []compiledOverride
	breakers  map[string]*Breaker
}

// NewSet creates a breaker set. opts are applied to every breaker.
func NewSet(base Config, overrides []Override, opts ...Option) (*Set, error) {
	compiled, err := compileOverrides(overrides)
	if err != nil {
		return nil, err
	}
	return &Set{
		opts:      opts,
		base:      normalizeConfig(base),
		overrides: compiled,
		breakers:  make(map[string]*Breaker),
	}, nil
}

// Get returns the breaker for name, creating it if needed.
func (s *Set) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[name]; ok {
		return b
	}
	b = New(name, s.configForLocked(name), s.opts...)
	s.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating one.
func (s *Set) Lookup(name string) (*Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.breakers[name]
	return b, ok
}

// ConfigFor returns the effective configuration for name.
func (s *Set) ConfigFor(name string) Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configForLocked(name)
}

// configForLocked applies the first matching override to the base config.
// REQUIRES: caller holds s.mu.
func (s *Set) configForLocked(name string) Config {
	cfg := s.base
	for _, o := range s.overrides {
		if !o.matcher.Match(name) {
			continue
		}
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.RecoveryTimeout > 0 {
			cfg.RecoveryTimeout = o.RecoveryTimeout
		}
		if o.MemoryThresholdMB > 0 {
			cfg.MemoryThresholdMB = o.MemoryThresholdMB
		}
		break
	}
	return cfg
}

// Reconfigure replaces the base configuration and overrides and applies
// them to every existing breaker.
func (s *Set) Reconfigure(base Config, overrides []Override) error {
	compiled, err := compileOverrides(overrides)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.base = normalizeConfig(base)
	s.overrides = compiled
	updates := make(map[*Breaker]Config, len(s.breakers))
	for name, b := range s.breakers {
		updates[b] = s.configForLocked(name)
	}
	s.mu.Unlock()

	for b, cfg := range updates {
		b.SetConfig(cfg)
	}
	return nil
}

// Snapshots returns a snapshot of every breaker, ordered by name.
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open returns the names of breakers currently OPEN.
func (s *Set) Open() []string {
	var names []string
	for _, snap := range s.Snapshots() {
		if snap.State == Open {
			names = append(names, snap.Name)
		}
	}
	return names
}
