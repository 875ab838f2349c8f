// Package domain implements the matching engine's concurrency surface: a
// per-executor pool of automaton replicas sharing one pattern registry, with
// a non-blocking lease/return/reap lifecycle and asynchronous rebuild
// scheduling. See internal/registry for the pattern slot table and
// internal/ahocorasick for the automaton itself.
package domain

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/swarmguard/acmatch/internal/ahocorasick"
	"github.com/swarmguard/acmatch/internal/config"
	"github.com/swarmguard/acmatch/internal/registry"
)

// BundleBuckets is the fixed bucket count for a bundle's pid hash table.
const BundleBuckets = 200

// ErrBusy is returned by AddPatterns, RemovePatterns, and Close when the
// domain lock (or, for Close, the leased-replica check) is contended.
var ErrBusy = errors.New("domain: busy")

// ErrNameTaken is returned by Registry.Open when a domain with the same name
// is already open in that registry.
var ErrNameTaken = errors.New("domain: name already in use")

// matchEntry is one (pid, position) pair recorded in a replica's match
// accumulator.
type matchEntry struct {
	pid      int
	position int
}

// Replica is one pool slot: an automaton plus the lifecycle bits the domain
// needs to lease, return, reap, and rebuild it.
//
// use is the single-word 0/1 exclusive lease flag. freed is set by Return
// (from any goroutine) and only ever cleared by a reap. dirty marks that the
// registry has changed since this replica's automaton was last built. mu
// guards auto/dirty against the rebuild worker racing a concurrent reap.
type Replica struct {
	mu    sync.Mutex
	auto  *ahocorasick.Automaton
	dirty bool

	use   int32
	freed int32

	accMu sync.Mutex
	acc   []matchEntry
}

func newReplica(ignorecase bool) *Replica {
	a := ahocorasick.NewAutomaton(ignorecase)
	a.Finalize()
	return &Replica{auto: a}
}

// executor owns one pool: a free list and a leased list, touched only while
// holding mu, plus a channel of pending rebuild tasks served by a dedicated
// worker goroutine.
type executor struct {
	mu         sync.Mutex
	free       []*Replica
	leased     []*Replica
	rebuilding bool

	rebuildCh chan *Replica
	done      chan struct{}
}

// Domain owns a pattern registry and one pool per logical executor.
type Domain struct {
	name       string
	ignorecase bool
	registry   *registry.Registry
	executors  []*executor
	lockState  int32 // 0 free, 1 held; the domain-wide non-blocking try-lock
	rrCounter  uint64
	logger     *slog.Logger
}

// Open allocates a domain: cfg.PatternsMax registry slots, and for each of
// runtime.GOMAXPROCS(0) logical executors a pool of cfg.AutomataPerExecutor
// freshly initialized, finalized, empty replicas.
func Open(cfg config.DomainConfig) *Domain {
	numExecutors := runtime.GOMAXPROCS(0)
	if numExecutors < 1 {
		numExecutors = 1
	}

	d := &Domain{
		name:       cfg.Name,
		ignorecase: cfg.IgnoreCase,
		registry:   registry.New(cfg.PatternsMax),
		executors:  make([]*executor, numExecutors),
		logger:     slog.Default().With("domain", cfg.Name),
	}
	for i := 0; i < numExecutors; i++ {
		ex := &executor{
			rebuildCh: make(chan *Replica, cfg.AutomataPerExecutor),
			done:      make(chan struct{}),
		}
		for j := 0; j < cfg.AutomataPerExecutor; j++ {
			ex.free = append(ex.free, newReplica(cfg.IgnoreCase))
		}
		d.executors[i] = ex
		go d.rebuildWorker(ex)
	}
	return d
}

// Close tears the domain down. It refuses with ErrBusy while any executor
// still has a leased (not-yet-reaped) replica, and otherwise stops every
// rebuild worker and releases all automata.
func (d *Domain) Close() error {
	for _, ex := range d.executors {
		ex.mu.Lock()
		busy := len(ex.leased) > 0
		ex.mu.Unlock()
		if busy {
			return ErrBusy
		}
	}
	for _, ex := range d.executors {
		close(ex.done)
		ex.mu.Lock()
		for _, r := range ex.free {
			// An in-flight rebuild task holds use; wait it out before
			// releasing the automaton it may be about to swap.
			for !atomic.CompareAndSwapInt32(&r.use, 0, 1) {
				runtime.Gosched()
			}
			r.mu.Lock()
			r.auto.Release()
			r.mu.Unlock()
		}
		ex.free = nil
		ex.mu.Unlock()
	}
	d.registry.Clean()
	return nil
}

// NumExecutors reports the number of logical executors this domain was
// opened with (runtime.GOMAXPROCS(0) at Open time).
func (d *Domain) NumExecutors() int {
	return len(d.executors)
}

// IgnoreCase reports whether this domain folds ASCII case on add and search.
func (d *Domain) IgnoreCase() bool {
	return d.ignorecase
}

func (d *Domain) tryLock() bool {
	return atomic.CompareAndSwapInt32(&d.lockState, 0, 1)
}

func (d *Domain) unlock() {
	atomic.StoreInt32(&d.lockState, 0)
}

// pinExecutor returns the logical executor the calling goroutine is
// "pinned" to for this call. Go has no real CPU-pinning primitive; this
// implementation approximates it with a round-robin counter, which keeps the
// per-executor ownership invariants (only the owning call touches that
// executor's lists for the call's duration) without claiming an affinity
// guarantee across calls that the runtime cannot provide.
func (d *Domain) pinExecutor() int {
	n := atomic.AddUint64(&d.rrCounter, 1)
	return int(n % uint64(len(d.executors)))
}

// Lease acquires an available replica on the calling goroutine's current
// executor, reaping that executor first. It returns (nil, false) if every
// replica on that executor is currently leased.
func (d *Domain) Lease() (*Replica, bool) {
	c := d.pinExecutor()
	d.reap(c)

	ex := d.executors[c]
	ex.mu.Lock()
	defer ex.mu.Unlock()

	for i, r := range ex.free {
		if atomic.CompareAndSwapInt32(&r.use, 0, 1) {
			ex.free = append(ex.free[:i], ex.free[i+1:]...)
			ex.leased = append(ex.leased, r)
			r.accMu.Lock()
			r.acc = r.acc[:0]
			r.accMu.Unlock()
			return r, true
		}
	}
	return nil, false
}

// Return releases a leased replica back to its owning executor. It does not
// touch any list directly; the next reap on that executor moves it back.
func (d *Domain) Return(r *Replica) {
	atomic.StoreInt32(&r.freed, 1)
}

// reap moves every freed replica on executor c from leased back to free,
// scheduling a rebuild for any that are dirty (including ones newly dirtied
// by a rebuild pass started while they were leased).
func (d *Domain) reap(c int) {
	ex := d.executors[c]
	ex.mu.Lock()
	defer ex.mu.Unlock()

	kept := ex.leased[:0]
	for _, r := range ex.leased {
		if atomic.LoadInt32(&r.freed) == 0 {
			kept = append(kept, r)
			continue
		}
		atomic.StoreInt32(&r.freed, 0)
		atomic.StoreInt32(&r.use, 0)

		r.mu.Lock()
		if ex.rebuilding {
			r.dirty = true
		}
		needsRebuild := r.dirty
		r.mu.Unlock()

		if needsRebuild {
			d.postRebuild(ex, r)
		}
		ex.free = append(ex.free, r)
	}
	ex.leased = kept
	ex.rebuilding = false
}

func (d *Domain) postRebuild(ex *executor, r *Replica) {
	select {
	case ex.rebuildCh <- r:
	default:
		// Channel is sized to AutomataPerExecutor and only one outstanding
		// task per replica is ever meaningful; a full channel means this
		// replica (or one of its siblings) already has a task in flight.
	}
}

// scheduleDomainRebuild marks every free replica on every executor dirty and
// posts a rebuild task for each. Replicas currently leased are picked up at
// their next reap instead.
func (d *Domain) scheduleDomainRebuild() {
	for _, ex := range d.executors {
		ex.mu.Lock()
		for _, r := range ex.free {
			r.mu.Lock()
			r.dirty = true
			r.mu.Unlock()
			d.postRebuild(ex, r)
		}
		ex.rebuilding = true
		ex.mu.Unlock()
	}
}

func (d *Domain) rebuildWorker(ex *executor) {
	for {
		select {
		case r := <-ex.rebuildCh:
			d.rebuildReplica(r)
		case <-ex.done:
			return
		}
	}
}

// rebuildReplica executes one replica rebuild: attempt the 0->1 use
// transition (abort if the replica was leased again before the worker got to
// it; the next reap will re-dirty and retry), then swap in a fresh automaton
// populated from every live registry slot.
func (d *Domain) rebuildReplica(r *Replica) {
	if !atomic.CompareAndSwapInt32(&r.use, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.use, 0)

	fresh := ahocorasick.NewAutomaton(d.ignorecase)
	d.registry.ForEachLive(func(pid int, s string) {
		st, err := fresh.Add([]byte(s), pid)
		if err != nil && st != ahocorasick.StatusDuplicate {
			d.logger.Warn("rebuild: skipping pattern", "pid", pid, "status", st.String(), "error", err)
		}
	})
	fresh.Finalize()

	r.mu.Lock()
	old := r.auto
	r.auto = fresh
	r.dirty = false
	r.mu.Unlock()

	old.Release()
}

// Quiesce reaps every executor and then blocks until no free replica is left
// dirty, rebuilding inline where the worker has not gotten there yet. Pattern
// changes are only eventually consistent (a lease right after AddPatterns
// may still return a pre-rebuild replica), so callers that need the next
// lease to reflect every prior change (service startup, tests) call Quiesce
// in between. Replicas leased out during the call are not waited for; they
// rebuild at their next reap as usual.
func (d *Domain) Quiesce() {
	for i := range d.executors {
		d.reap(i)
	}
	for _, ex := range d.executors {
		for {
			var pending []*Replica
			ex.mu.Lock()
			for _, r := range ex.free {
				r.mu.Lock()
				if r.dirty {
					pending = append(pending, r)
				}
				r.mu.Unlock()
			}
			ex.mu.Unlock()
			if len(pending) == 0 {
				break
			}
			for _, r := range pending {
				// No-op if the worker (or a fresh lease) holds use; loop
				// again until the worker's own rebuild clears dirty.
				d.rebuildReplica(r)
			}
			runtime.Gosched()
		}
	}
}

// MemInfo holds node allocation counters: total nodes allocated, total nodes
// freed, and the peak number of simultaneously live nodes observed across
// every automaton in the process (not just this domain's replicas).
type MemInfo struct {
	Allocated int64
	Freed     int64
	PeakLive  int64
}

// MemInfo returns the current allocation snapshot.
func (d *Domain) MemInfo() MemInfo {
	a, f, p := ahocorasick.AllocStats()
	return MemInfo{Allocated: a, Freed: f, PeakLive: p}
}

// PatternAt returns the pattern string currently stored at pid, regardless
// of whether it is still live (a decref'd slot keeps its string until the
// next Intern reuses it).
func (d *Domain) PatternAt(pid int) string {
	return d.registry.String(pid)
}

// Patterns returns every currently live pattern string in the domain's
// registry, in no particular order. Callers that need a literal copy of the
// pattern set (e.g. to rebuild an external prefilter) use this instead of
// reaching into the registry directly.
func (d *Domain) Patterns() []string {
	var out []string
	d.registry.ForEachLive(func(pid int, s string) {
		out = append(out, s)
	})
	return out
}

// LiveCount reports the number of currently live (referenced) patterns in the
// domain's registry. Together with Cap it satisfies resilience.PatternBudget,
// letting a rate limiter reject an oversized AddPatterns batch before it ever
// reaches the registry.
func (d *Domain) LiveCount() int {
	return d.registry.LiveCount()
}

// Cap reports the registry's fixed slot count (cfg.PatternsMax at Open).
func (d *Domain) Cap() int {
	return d.registry.Cap()
}

// Search runs text through the replica's current automaton, appending every
// reported pid to the replica's match accumulator (cleared at Lease, not at
// Return, so callers may read it until the next lease). It always runs to
// completion; use SearchCallback for pushdown early exit.
func (d *Domain) Search(r *Replica, text []byte) (ahocorasick.SearchStatus, error) {
	return d.SearchCallback(r, text, func(position int, pids []int) int {
		r.accMu.Lock()
		for _, pid := range pids {
			r.acc = append(r.acc, matchEntry{pid: pid, position: position})
		}
		r.accMu.Unlock()
		return 0
	})
}

// SearchCallback exposes the automaton's raw callback-driven search directly,
// bypassing the match accumulator, for callers that want pushdown iteration
// with early exit instead of bundle-filtered polling.
func (d *Domain) SearchCallback(r *Replica, text []byte, cb ahocorasick.MatchCallback) (ahocorasick.SearchStatus, error) {
	r.mu.Lock()
	auto := r.auto
	r.mu.Unlock()
	return auto.Search(text, cb)
}
