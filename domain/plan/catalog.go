package plan

import (
	"fmt"

	"github.com/artpar/billcycle/domain/fault"
)

// Catalog is the read-only registry of plan tiers.
// It is validated once at construction and never changes afterwards.
type Catalog struct {
	resources []ResourceKind
	plans     []Plan
	byID      map[string]int
}

// NewCatalog validates plans against the declared resources and builds a catalog.
// Any malformed plan fails the whole catalog with fault.ErrInvalidCatalog.
func NewCatalog(resources []ResourceKind, plans []Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, invalidCatalog("no plans defined")
	}

	declared := make(map[ResourceKind]bool, len(resources))
	for _, r := range resources {
		if r == "" {
			return nil, invalidCatalog("empty resource kind")
		}
		if declared[r] {
			return nil, invalidCatalog(fmt.Sprintf("resource %q declared twice", r))
		}
		declared[r] = true
	}

	c := &Catalog{
		resources: append([]ResourceKind(nil), resources...),
		plans:     make([]Plan, 0, len(plans)),
		byID:      make(map[string]int, len(plans)),
	}

	for i, p := range plans {
		if err := Validate(p, declared); err != nil {
			return nil, fmt.Errorf("plans[%d]: %w", i, err)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, invalidCatalog(fmt.Sprintf("duplicate plan id %q", p.ID))
		}
		c.byID[p.ID] = len(c.plans)
		c.plans = append(c.plans, clonePlan(p))
	}

	return c, nil
}

// Validate checks a single plan against the declared resource kinds.
// This is a PURE function.
func Validate(p Plan, declared map[ResourceKind]bool) error {
	if p.ID == "" {
		return invalidCatalog("plan id is required")
	}
	if p.MonthlyPrice < 0 || p.YearlyPrice < 0 {
		return invalidCatalog(fmt.Sprintf("plan %q: prices must not be negative", p.ID))
	}
	if p.YearlyPrice > p.MonthlyPrice*12 {
		return invalidCatalog(fmt.Sprintf("plan %q: yearly price %d exceeds 12 x monthly price %d",
			p.ID, p.YearlyPrice, p.MonthlyPrice*12))
	}

	for kind := range declared {
		if _, ok := p.Limits[kind]; !ok {
			return invalidCatalog(fmt.Sprintf("plan %q: missing limit for %q", p.ID, kind))
		}
	}
	for kind, l := range p.Limits {
		if !declared[kind] {
			return invalidCatalog(fmt.Sprintf("plan %q: limit for undeclared resource %q", p.ID, kind))
		}
		if n, bounded := l.Value(); bounded && n < 0 {
			return invalidCatalog(fmt.Sprintf("plan %q: negative limit for %q", p.ID, kind))
		}
	}
	for kind, price := range p.OveragePrices {
		if !declared[kind] {
			return invalidCatalog(fmt.Sprintf("plan %q: overage for undeclared resource %q", p.ID, kind))
		}
		if price < 0 {
			return invalidCatalog(fmt.Sprintf("plan %q: negative overage price for %q", p.ID, kind))
		}
	}
	return nil
}

// Get returns the plan with the given id.
func (c *Catalog) Get(id string) (Plan, error) {
	i, ok := c.byID[id]
	if !ok {
		return Plan{}, fault.NotFound("plan", id)
	}
	return clonePlan(c.plans[i]), nil
}

// List returns all plans in catalog order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, len(c.plans))
	for i, p := range c.plans {
		out[i] = clonePlan(p)
	}
	return out
}

// Resources returns the declared resource kinds in declaration order.
func (c *Catalog) Resources() []ResourceKind {
	return append([]ResourceKind(nil), c.resources...)
}

// HasResource reports whether kind is declared by the catalog.
func (c *Catalog) HasResource(kind ResourceKind) bool {
	for _, r := range c.resources {
		if r == kind {
			return true
		}
	}
	return false
}

func invalidCatalog(msg string) error {
	return fault.Validation(fault.CodeInvalidCatalog, msg)
}

// clonePlan copies the maps so callers cannot mutate catalog state.
func clonePlan(p Plan) Plan {
	limits := make(map[ResourceKind]Limit, len(p.Limits))
	for k, v := range p.Limits {
		limits[k] = v
	}
	p.Limits = limits
	if p.OveragePrices != nil {
		overage := make(map[ResourceKind]int64, len(p.OveragePrices))
		for k, v := range p.OveragePrices {
			overage[k] = v
		}
		p.OveragePrices = overage
	}
	return p
}
