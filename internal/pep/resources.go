package pep

import (
	"encoding/json"
	"strings"
	"sync"
)

// Resource mirrors an MCP resource listing entry, prefixed the same
// way Tool is: its URI carries "<upstreamName>__" so a downstream
// client can address it unambiguously.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceCatalog aggregates resources/list across upstreams the same
// way Catalog aggregates tools/list.
type ResourceCatalog struct {
	mu         sync.RWMutex
	upstreams  map[string][]Resource
	generation map[string]uint64
	cacheGen   uint64
	cached     []Resource
}

func NewResourceCatalog() *ResourceCatalog {
	return &ResourceCatalog{upstreams: make(map[string][]Resource), generation: make(map[string]uint64)}
}

func (c *ResourceCatalog) SetUpstreamResources(upstreamName string, resources []Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefixed := make([]Resource, len(resources))
	for i, r := range resources {
		prefixed[i] = r
		prefixed[i].URI = upstreamName + prefixSep + r.URI
	}
	c.upstreams[upstreamName] = prefixed
	c.generation[upstreamName]++
}

func (c *ResourceCatalog) RemoveUpstream(upstreamName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.upstreams, upstreamName)
	delete(c.generation, upstreamName)
}

func (c *ResourceCatalog) totalGeneration() uint64 {
	var sum uint64
	for _, g := range c.generation {
		sum += g
	}
	return sum
}

func (c *ResourceCatalog) List() []Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.totalGeneration()
	if c.cached != nil && c.cacheGen == total {
		out := make([]Resource, len(c.cached))
		copy(out, c.cached)
		return out
	}
	all := make([]Resource, 0)
	for _, resources := range c.upstreams {
		all = append(all, resources...)
	}
	c.cached = all
	c.cacheGen = total
	out := make([]Resource, len(all))
	copy(out, all)
	return out
}

// Resolve splits a prefixed resource URI back into its owning upstream
// and the upstream's own URI.
func (c *ResourceCatalog) Resolve(prefixedURI string) (upstream, uri string, ok bool) {
	idx := strings.Index(prefixedURI, prefixSep)
	if idx < 0 {
		return "", "", false
	}
	upstream = prefixedURI[:idx]
	uri = prefixedURI[idx+len(prefixSep):]
	c.mu.RLock()
	_, known := c.upstreams[upstream]
	c.mu.RUnlock()
	return upstream, uri, known
}

func resourcesListResult(resources []Resource) json.RawMessage {
	raw, _ := json.Marshal(struct {
		Resources []Resource `json:"resources"`
	}{Resources: resources})
	return raw
}
