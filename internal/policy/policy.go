// Package policy maps freshness classes to ordered backend tiers.
// See doc.go for complete package documentation.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dreamware/freshroute/internal/cluster"
)

// ErrInvalidClass is wrapped by every class definition error.
var ErrInvalidClass = errors.New("invalid freshness class")

// Consistency is the kind of guarantee a class requests.
type Consistency string

const (
	Strong     Consistency = "strong"
	Bounded    Consistency = "bounded"
	BestEffort Consistency = "best-effort"
)

// TierRule is one acceptable tier of a class. MaxStaleness overrides the
// class bound for this tier; zero means use the class bound.
type TierRule struct {
	Tier         cluster.Tier  `json:"tier" yaml:"tier"`
	MaxStaleness time.Duration `json:"max_staleness,omitempty" yaml:"max_staleness,omitempty"`
}

// Spec is the configuration form of a class.
type Spec struct {
	Name         string
	Consistency  Consistency // empty: derived from Name
	MaxStaleness time.Duration
	Tiers        []TierRule
}

// Class is a validated freshness class. Classes are built once by NewTable
// and shared read-only by every routing call; callers must not modify them.
type Class struct {
	Name         string        `json:"name"`
	Consistency  Consistency   `json:"consistency"`
	MaxStaleness time.Duration `json:"max_staleness,omitempty"`
	Tiers        []TierRule    `json:"tiers"`
}

// Bounded reports whether the class carries a staleness bound.
func (c *Class) Bounded() bool { return c.Consistency == Bounded }

// BoundFor returns the staleness bound applied to tier, and whether one applies.
func (c *Class) BoundFor(tier cluster.Tier) (time.Duration, bool) {
	if !c.Bounded() {
		return 0, false
	}
	for _, r := range c.Tiers {
		if r.Tier == tier && r.MaxStaleness > 0 {
			return r.MaxStaleness, true
		}
	}
	return c.MaxStaleness, true
}

// Accepts reports whether tier is in the class's tier list.
func (c *Class) Accepts(tier cluster.Tier) bool {
	for _, r := range c.Tiers {
		if r.Tier == tier {
			return true
		}
	}
	return false
}

// TierNames returns the ordered tier list.
func (c *Class) TierNames() []cluster.Tier {
	out := make([]cluster.Tier, len(c.Tiers))
	for i, r := range c.Tiers {
		out[i] = r.Tier
	}
	return out
}

// ParseClass interprets a class name of the form "strong", "best-effort"
// or "bounded:<duration>".
func ParseClass(name string) (Consistency, time.Duration, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == string(Strong):
		return Strong, 0, nil
	case n == string(BestEffort), n == "besteffort", n == "best_effort":
		return BestEffort, 0, nil
	case strings.HasPrefix(n, string(Bounded)+":"):
		d, err := time.ParseDuration(strings.TrimPrefix(n, string(Bounded)+":"))
		if err != nil {
			return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidClass, name, err)
		}
		if d <= 0 {
			return "", 0, fmt.Errorf("%w: %q: bound must be positive", ErrInvalidClass, name)
		}
		return Bounded, d, nil
	default:
		return "", 0, fmt.Errorf("%w: %q is not strong, best-effort or bounded:<duration>", ErrInvalidClass, name)
	}
}

// Table is the immutable class lookup.
type Table struct {
	classes map[string]*Class
	names   []string
}

// NewTable validates specs and builds the lookup.
func NewTable(specs []Spec) (*Table, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no classes defined", ErrInvalidClass)
	}
	t := &Table{classes: make(map[string]*Class, len(specs))}
	for _, s := range specs {
		c, err := build(s)
		if err != nil {
			return nil, err
		}
		if _, dup := t.classes[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate class %q", ErrInvalidClass, c.Name)
		}
		t.classes[c.Name] = c
		t.names = append(t.names, c.Name)
	}
	sort.Strings(t.names)
	return t, nil
}

func build(s Spec) (*Class, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: class name cannot be empty", ErrInvalidClass)
	}

	consistency, bound := s.Consistency, s.MaxStaleness
	if parsed, parsedBound, err := ParseClass(name); err == nil {
		if consistency != "" && consistency != parsed {
			return nil, fmt.Errorf("%w: %q declares %s", ErrInvalidClass, name, consistency)
		}
		consistency = parsed
		if parsedBound > 0 {
			if bound > 0 && bound != parsedBound {
				return nil, fmt.Errorf("%w: %q conflicts with max_staleness %s", ErrInvalidClass, name, bound)
			}
			bound = parsedBound
		}
	} else if consistency == "" {
		return nil, err
	}

	switch consistency {
	case Strong, BestEffort:
		if bound > 0 {
			return nil, fmt.Errorf("%w: %q: %s classes take no staleness bound", ErrInvalidClass, name, consistency)
		}
	case Bounded:
		if bound <= 0 {
			return nil, fmt.Errorf("%w: %q: bounded classes need max_staleness", ErrInvalidClass, name)
		}
	default:
		return nil, fmt.Errorf("%w: %q: unknown consistency %q", ErrInvalidClass, name, consistency)
	}

	if len(s.Tiers) == 0 {
		return nil, fmt.Errorf("%w: %q lists no tiers", ErrInvalidClass, name)
	}
	seen := make(map[cluster.Tier]bool, len(s.Tiers))
	tiers := make([]TierRule, 0, len(s.Tiers))
	for _, r := range s.Tiers {
		tier, err := cluster.ParseTier(string(r.Tier))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidClass, name, err)
		}
		if seen[tier] {
			return nil, fmt.Errorf("%w: %q lists tier %s twice", ErrInvalidClass, name, tier)
		}
		seen[tier] = true
		if consistency == Strong && tier != cluster.TierPrimary {
			return nil, fmt.Errorf("%w: %q: strong reads may only use the primary", ErrInvalidClass, name)
		}
		if r.MaxStaleness < 0 || (r.MaxStaleness > 0 && consistency != Bounded) {
			return nil, fmt.Errorf("%w: %q: per-tier max_staleness only applies to bounded classes", ErrInvalidClass, name)
		}
		tiers = append(tiers, TierRule{Tier: tier, MaxStaleness: r.MaxStaleness})
	}

	return &Class{Name: name, Consistency: consistency, MaxStaleness: bound, Tiers: tiers}, nil
}

// Lookup returns the class registered under name.
func (t *Table) Lookup(name string) (*Class, bool) {
	c, ok := t.classes[name]
	return c, ok
}

// Names returns every class name, sorted.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Classes returns every class in name order.
func (t *Table) Classes() []*Class {
	out := make([]*Class, 0, len(t.names))
	for _, n := range t.names {
		out = append(out, t.classes[n])
	}
	return out
}

// MaxBound is the largest staleness bound of any class and tier.
func (t *Table) MaxBound() time.Duration {
	var m time.Duration
	for _, c := range t.classes {
		for _, r := range c.Tiers {
			if b, ok := c.BoundFor(r.Tier); ok && b > m {
				m = b
			}
		}
	}
	return m
}
