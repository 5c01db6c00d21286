package pep

import (
	"encoding/json"
	"strings"
	"sync"
)

// Tool is one upstream-advertised tool definition, as the aggregated
// catalog exposes it: its Name is already prefixed with the upstream
// it came from.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Catalog aggregates the tools/list output of every registered
// upstream under "<upstreamName>__<toolName>" prefixes, so a
// downstream client sees one flat namespace with no collisions.
//
// Each upstream's generation counter increments whenever its tool list
// is refreshed; cached aggregate results are invalidated by comparing
// against the sum of generations rather than recomputing eagerly.
type Catalog struct {
	mu        sync.RWMutex
	upstreams map[string][]Tool
	generation map[string]uint64
	cacheGen  uint64
	cached    []Tool
}

const prefixSep = "__"

func NewCatalog() *Catalog {
	return &Catalog{upstreams: make(map[string][]Tool), generation: make(map[string]uint64)}
}

// SetUpstreamTools replaces upstreamName's advertised tool list and
// bumps its generation counter, invalidating the aggregate cache.
func (c *Catalog) SetUpstreamTools(upstreamName string, tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefixed := make([]Tool, len(tools))
	for i, t := range tools {
		prefixed[i] = t
		prefixed[i].Name = upstreamName + prefixSep + t.Name
	}
	c.upstreams[upstreamName] = prefixed
	c.generation[upstreamName]++
}

// RemoveUpstream drops an upstream's tools entirely (on disconnect).
func (c *Catalog) RemoveUpstream(upstreamName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.upstreams, upstreamName)
	delete(c.generation, upstreamName)
}

func (c *Catalog) totalGeneration() uint64 {
	var sum uint64
	for _, g := range c.generation {
		sum += g
	}
	return sum
}

// List returns the aggregated tool catalog across every upstream,
// served from cache unless an upstream has refreshed since the cache
// was built.
func (c *Catalog) List() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.totalGeneration()
	if c.cached != nil && c.cacheGen == total {
		out := make([]Tool, len(c.cached))
		copy(out, c.cached)
		return out
	}

	all := make([]Tool, 0)
	for _, tools := range c.upstreams {
		all = append(all, tools...)
	}
	c.cached = all
	c.cacheGen = total

	out := make([]Tool, len(all))
	copy(out, all)
	return out
}

// Resolve splits a prefixed tool name back into its owning upstream and
// the upstream's own tool name, e.g. "fs__read_file" -> ("fs",
// "read_file"). ok is false if name carries no recognized prefix.
func (c *Catalog) Resolve(prefixedName string) (upstream, toolName string, ok bool) {
	idx := strings.Index(prefixedName, prefixSep)
	if idx < 0 {
		return "", "", false
	}
	upstream = prefixedName[:idx]
	toolName = prefixedName[idx+len(prefixSep):]
	c.mu.RLock()
	_, known := c.upstreams[upstream]
	c.mu.RUnlock()
	return upstream, toolName, known
}

// Get returns the full Tool entry for a prefixed name, used to validate
// tools/call arguments against its advertised inputSchema.
func (c *Catalog) Get(prefixedName string) (Tool, bool) {
	upstream, _, ok := c.Resolve(prefixedName)
	if !ok {
		return Tool{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.upstreams[upstream] {
		if t.Name == prefixedName {
			return t, true
		}
	}
	return Tool{}, false
}

func toolsListResult(tools []Tool) json.RawMessage {
	raw, _ := json.Marshal(struct {
		Tools []Tool `json:"tools"`
	}{Tools: tools})
	return raw
}
