package optimizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const planCacheTTL = 5 * time.Minute

type cachedPlan struct {
	plan      Plan
	expiresAt time.Time
	hits      int
}

// PlanCache memoizes Plans by a canonical serialization of their Query,
// each entry valid for planCacheTTL. A cache hit returns a deep copy so
// callers can never mutate a cached entry through the returned Plan.
type PlanCache struct {
	mu      sync.Mutex
	entries map[string]*cachedPlan
	hits    int
	misses  int
}

// NewPlanCache returns an empty PlanCache.
func NewPlanCache() *PlanCache {
	return &PlanCache{entries: make(map[string]*cachedPlan)}
}

// Key canonicalizes a Query into a cache key: criteria sorted by field
// name so equivalent queries built in different field orders collide.
func Key(q Query) string {
	var b strings.Builder
	fields := make([]string, 0, len(q.Criteria))
	for f := range q.Criteria {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		fmt.Fprintf(&b, "%s=%s;", f, q.Criteria[f])
	}
	fmt.Fprintf(&b, "regex=%v;sort=%s;limit=%d;offset=%d", q.HasRegex, q.Sort, q.Limit, q.Offset)
	return b.String()
}

// Get returns a deep copy of the cached plan for key, if present and
// not expired.
func (c *PlanCache) Get(key string) (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return Plan{}, false
	}
	entry.hits++
	c.hits++
	return entry.plan.Clone(), true
}

// Put stores plan under key with a fresh TTL.
func (c *PlanCache) Put(key string, plan Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cachedPlan{plan: plan.Clone(), expiresAt: time.Now().Add(planCacheTTL)}
}

// Invalidate drops every cached plan, used after a write changes the
// store's shape enough that prior cost estimates may no longer hold.
func (c *PlanCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cachedPlan)
}

// Stats reports cumulative hit/miss counts.
func (c *PlanCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
