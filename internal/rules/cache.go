package rules

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// Cache holds parsed rule sets keyed by tenant, workflow, and rules
// version, so YAML is parsed once per tenant-config update. A version bump
// on admin update naturally invalidates the old entry.
type Cache struct {
	lru *lru.Cache[string, *RuleSet]
}

// NewCache creates a cache bounded to size entries.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[string, *RuleSet](size)
	if err != nil {
		return nil, fmt.Errorf("create rules cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

// For returns the parsed rule set for the tenant's workflow, parsing and
// caching on miss. A malformed rule document is a validation error: the
// tenant's configuration is broken and the run must abort.
func (c *Cache) For(tenant *domain.Tenant, workflow domain.WorkflowKind) (*RuleSet, error) {
	key := fmt.Sprintf("%s|%s|%s", tenant.ID, workflow, tenant.RulesVersion)
	if rs, ok := c.lru.Get(key); ok {
		return rs, nil
	}

	rs, err := Parse([]byte(tenant.RulesFor(workflow)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrorTypeValidation, err,
			fmt.Sprintf("tenant %s has malformed %s rules", tenant.Slug, workflow))
	}

	c.lru.Add(key, rs)
	return rs, nil
}
