// Package frontier implements the breadth-first crawl frontier: a
// prioritized queue of discovered URLs plus the seen-set that prevents
// re-enqueue.
package frontier

import (
	"context"
	"sync"

	"github.com/whynot-archive/whynot/internal/archive"
)

// Stats is a point-in-time snapshot of frontier counters.
type Stats struct {
	Pending  int
	InFlight int
	Done     int
	Failed   int
	Seen     int
}

// Frontier is safe for concurrent use by any number of workers. List and
// seed entries drain before article/image entries so pagination is fully
// discovered before deep content.
type Frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	lists    []archive.FrontierEntry
	others   []archive.FrontierEntry
	seen     map[string]struct{}
	inFlight int
	done     int
	failed   int
	closed   bool
}

// New returns an empty frontier.
func New() *Frontier {
	f := &Frontier{seen: make(map[string]struct{})}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Add normalizes rawURL and enqueues it unless it was seen before. It
// returns false for URLs already seen or that fail to normalize.
func (f *Frontier) Add(rawURL string, kind archive.Kind, parent string) bool {
	norm, err := archive.NormalizeURL(rawURL)
	if err != nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, ok := f.seen[norm]; ok {
		return false
	}
	f.seen[norm] = struct{}{}

	entry := archive.FrontierEntry{
		URL:    norm,
		Kind:   kind,
		State:  archive.StatePending,
		Parent: parent,
	}
	switch kind {
	case archive.KindSeed, archive.KindList:
		f.lists = append(f.lists, entry)
	default:
		f.others = append(f.others, entry)
	}
	f.cond.Broadcast()
	return true
}

// Next blocks until an entry is available and returns it in the
// in_progress state. It returns ok=false when the frontier has drained
// (no pending entries and nothing in flight), when Close was called, or
// when ctx finishes. A false return from a drained frontier is the crawl
// termination signal.
func (f *Frontier) Next(ctx context.Context) (archive.FrontierEntry, bool) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cond.Broadcast()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if ctx.Err() != nil || f.closed {
			return archive.FrontierEntry{}, false
		}
		if entry, ok := f.pop(); ok {
			f.inFlight++
			entry.State = archive.StateInProgress
			return entry, true
		}
		if f.inFlight == 0 {
			return archive.FrontierEntry{}, false
		}
		f.cond.Wait()
	}
}

func (f *Frontier) pop() (archive.FrontierEntry, bool) {
	if len(f.lists) > 0 {
		entry := f.lists[0]
		f.lists = f.lists[1:]
		return entry, true
	}
	if len(f.others) > 0 {
		entry := f.others[0]
		f.others = f.others[1:]
		return entry, true
	}
	return archive.FrontierEntry{}, false
}

// Done retires an in-flight entry whose outcome is durably recorded.
func (f *Frontier) Done(string) {
	f.retire(false)
}

// Fail retires an in-flight entry that permanently failed.
func (f *Frontier) Fail(string) {
	f.retire(true)
}

func (f *Frontier) retire(failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
	if failed {
		f.failed++
	} else {
		f.done++
	}
	f.cond.Broadcast()
}

// Close wakes all waiters and makes the frontier refuse further entries.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Stats snapshots the counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Pending:  len(f.lists) + len(f.others),
		InFlight: f.inFlight,
		Done:     f.done,
		Failed:   f.failed,
		Seen:     len(f.seen),
	}
}
