package frontier

import (
	"github.com/anthonyhales/mealie-recipe-crawler/pkg/types"
)

// Frontier is the FIFO queue of not-yet-visited URLs driving
// breadth-first traversal. Each frontier is owned by exactly one crawl
// session and is not safe for concurrent use.
//
// Membership is tracked by normalized URL string: a URL that has ever
// been pushed is never accepted again, so every URL is popped at most
// once. The lifetime push count is capped at maxPages, which guarantees
// termination even on sites with unbounded link graphs (calendars,
// faceted search, pagination loops).
type Frontier struct {
	queue    []types.FrontierEntry
	seen     map[string]struct{}
	maxDepth int
	maxPages int
	pushed   int
}

// New creates a frontier bounded by maxPages total pushes and maxDepth.
func New(maxPages, maxDepth int) *Frontier {
	if maxPages <= 0 {
		maxPages = 1
	}
	return &Frontier{
		queue:    make([]types.FrontierEntry, 0, 64),
		seen:     make(map[string]struct{}, maxPages),
		maxDepth: maxDepth,
		maxPages: maxPages,
	}
}

// Push enqueues a normalized URL at the given depth. It is a no-op when
// the URL was already pushed, the depth exceeds the limit, or the
// lifetime page budget has been reached.
func (f *Frontier) Push(url string, depth int) bool {
	if url == "" {
		return false
	}
	if depth > f.maxDepth {
		return false
	}
	if f.pushed >= f.maxPages {
		return false
	}
	if _, visited := f.seen[url]; visited {
		return false
	}
	f.seen[url] = struct{}{}
	f.pushed++
	f.queue = append(f.queue, types.FrontierEntry{URL: url, Depth: depth})
	return true
}

// Pop removes and returns the oldest entry. The second return value is
// false when the frontier is empty.
func (f *Frontier) Pop() (types.FrontierEntry, bool) {
	if len(f.queue) == 0 {
		return types.FrontierEntry{}, false
	}
	entry := f.queue[0]
	f.queue = f.queue[1:]
	return entry, true
}

// Len returns the number of queued entries.
func (f *Frontier) Len() int {
	return len(f.queue)
}

// Pushed returns the lifetime number of accepted pushes.
func (f *Frontier) Pushed() int {
	return f.pushed
}

// Seen reports whether a normalized URL was ever pushed.
func (f *Frontier) Seen(url string) bool {
	_, ok := f.seen[url]
	return ok
}
