/*
Package normalize maps raw feed items onto the canonical job record.

Normalizers are selected by matching the feed's source URL against a fixed,
ordered table; the first match wins and unmatched feeds use the generic
normalizer. Every normalizer is total: missing fields become empty strings and
unparseable dates become nil.
*/
package normalize

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/Nexora-Open-Source/job-feed-importer/feed"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
)

// SourceUnknown is the source name produced by the generic normalizer
const SourceUnknown = "unknown"

// Error is returned only for input that cannot be a feed item at all
type Error struct {
	SourceURL string
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize item from %s: %s", e.SourceURL, e.Reason)
}

// Func transforms one raw item into a job
type Func func(item feed.RawItem, sourceURL string) *types.Job

type entry struct {
	name    string
	pattern *regexp.Regexp
	fn      Func
}

// Registry holds source matchers in priority order
type Registry struct {
	mu       sync.RWMutex
	entries  []entry
	fallback Func
}

// NewRegistry returns a registry with the built-in per-source normalizers
func NewRegistry() *Registry {
	r := &Registry{fallback: Generic}
	r.MustRegister("jobicy", `jobicy\.com`, Jobicy)
	r.MustRegister("higheredjobs", `higheredjobs\.com`, HigherEdJobs)
	r.MustRegister("weworkremotely", `weworkremotely\.com`, WeWorkRemotely)
	return r
}

// Register appends a matcher. Matchers registered earlier take priority.
func (r *Registry) Register(name, pattern string, fn Func) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern for %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, pattern: re, fn: fn})
	return nil
}

// MustRegister is Register for patterns known at compile time
func (r *Registry) MustRegister(name, pattern string, fn Func) {
	if err := r.Register(name, pattern, fn); err != nil {
		panic(err)
	}
}

// SourceFor reports which normalizer handles sourceURL
func (r *Registry) SourceFor(sourceURL string) string {
	if e, ok := r.match(sourceURL); ok {
		return e.name
	}
	return SourceUnknown
}

// Normalize produces the canonical job for item
func (r *Registry) Normalize(item feed.RawItem, sourceURL string) (*types.Job, error) {
	if item == nil {
		return nil, &Error{SourceURL: sourceURL, Reason: "item is nil"}
	}

	fn := r.fallback
	if e, ok := r.match(sourceURL); ok {
		fn = e.fn
	}

	job := fn(item, sourceURL)
	if job == nil || job.ExternalID == "" {
		return nil, &Error{SourceURL: sourceURL, Reason: "no external id could be derived"}
	}
	return job, nil
}

func (r *Registry) match(sourceURL string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.pattern.MatchString(sourceURL) {
			return e, true
		}
	}
	return entry{}, false
}

var defaultRegistry = NewRegistry()

// Normalize uses the built-in registry
func Normalize(item feed.RawItem, sourceURL string) (*types.Job, error) {
	return defaultRegistry.Normalize(item, sourceURL)
}
