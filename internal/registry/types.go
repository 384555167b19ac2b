package registry

import (
	"sort"
	"time"

	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
)

// Where a returned CachedToolSet came from.
const (
	SourceUpstream = "upstream"
	SourceStale    = "stale"
	SourceSnapshot = "snapshot"
)

// CachedToolSet is the most recently fetched set of tool definitions for one provider.
// A set is immutable once published; refreshes replace it wholesale.
type CachedToolSet struct {
	Provider  string
	FetchedAt time.Time
	Tools     map[string]schema.ToolDefinition
	Source    string
}

func newToolSet(provider string, fetchedAt time.Time, tools []schema.ToolDefinition) *CachedToolSet {
	set := &CachedToolSet{
		Provider:  provider,
		FetchedAt: fetchedAt,
		Tools:     make(map[string]schema.ToolDefinition, len(tools)),
		Source:    SourceUpstream,
	}
	for _, t := range tools {
		set.Tools[t.Name] = t
	}
	return set
}

// Tool returns the definition with the given upstream name.
func (s *CachedToolSet) Tool(name string) (schema.ToolDefinition, bool) {
	t, ok := s.Tools[name]
	return t, ok
}

// Names returns the upstream tool names in sorted order.
func (s *CachedToolSet) Names() []string {
	names := make([]string, 0, len(s.Tools))
	for name := range s.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions in name order.
func (s *CachedToolSet) Definitions() []schema.ToolDefinition {
	names := s.Names()
	out := make([]schema.ToolDefinition, 0, len(names))
	for _, n := range names {
		out = append(out, s.Tools[n])
	}
	return out
}

// Fresh reports whether the set is non-empty and younger than ttl at now.
// An empty set is always refetched.
func (s *CachedToolSet) Fresh(now time.Time, ttl time.Duration) bool {
	return len(s.Tools) > 0 && !s.FetchedAt.IsZero() && now.Sub(s.FetchedAt) < ttl
}

// withSource returns a shallow copy tagged with source. Tools is shared, which
// is safe because sets are never mutated after publication.
func (s *CachedToolSet) withSource(source string) *CachedToolSet {
	cp := *s
	cp.Source = source
	return &cp
}
