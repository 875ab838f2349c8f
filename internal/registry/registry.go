// Package registry implements the per-domain pattern registry: a fixed-size
// slot table mapping pattern id (pid) to an owned string and a reference
// count, deduplicated on insert.
package registry

import (
	"errors"
	"sync"
)

// ErrOutOfSlots is returned by Intern when no free slot remains and no
// existing slot already holds the requested string.
var ErrOutOfSlots = errors.New("registry: out of slots")

// slot is one entry of the table. useCount == 0 means the slot is unused or
// freshly freed; a slot with useCount > 0 always holds a non-empty string.
type slot struct {
	mu       sync.Mutex // scoped exclusion around str, so a rebuild reading it never sees a torn write
	str      string
	useCount int
}

// Registry is a domain's flat pattern table. The slot index is the pid used
// inside automata. All exported methods are safe to call concurrently;
// callers that need intern+incref to be atomic with respect to other writers
// hold the domain lock around both; the registry itself only guards per-slot
// string access and table bookkeeping.
type Registry struct {
	mu    sync.RWMutex // guards slot allocation bookkeeping (useCount transitions, scanning for dup/free)
	slots []slot
}

// New allocates a registry with exactly max slots.
func New(max int) *Registry {
	return &Registry{slots: make([]slot, max)}
}

// Cap returns the total slot count (patterns_max).
func (r *Registry) Cap() int {
	return len(r.slots)
}

// Intern finds or creates a slot holding string s, returning its pid. fresh
// reports whether the pattern needs to (re-)enter the automata; callers use
// it to decide whether a rebuild is required.
//
// Scans every slot; the first slot with useCount == 0 is remembered as the
// fallback. A slot whose string already equals s is returned regardless of
// its useCount, keeping the pid stable for the life of the interned string
// and ensuring no two slots ever hold equal strings. A string-equal slot
// whose count already dropped to zero is a revival: the decref that zeroed
// it scheduled a rebuild that removed the pattern, so revival reports
// fresh=true to re-arm one. Otherwise the fallback slot is populated
// (replacing any stale prior string) with fresh=true, or ErrOutOfSlots if
// none was found.
func (r *Registry) Intern(s string) (pid int, fresh bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	freeSlot := -1
	for i := range r.slots {
		sl := &r.slots[i]
		if sl.str == s {
			return i, sl.useCount == 0, nil
		}
		if freeSlot == -1 && sl.useCount == 0 {
			freeSlot = i
		}
	}
	if freeSlot == -1 {
		return 0, false, ErrOutOfSlots
	}

	sl := &r.slots[freeSlot]
	sl.mu.Lock()
	sl.str = s
	sl.mu.Unlock()
	return freeSlot, true, nil
}

// Incref bumps pid's use count by one. Callers must already hold a valid pid
// from Intern.
func (r *Registry) Incref(pid int) {
	r.mu.Lock()
	r.slots[pid].useCount++
	r.mu.Unlock()
}

// Decref drops pid's use count by one and reports whether it reached zero.
// The string is left in place when the count hits zero (patterns survive for
// debugging/inspection); only Intern, or Clean at teardown, overwrites a free
// slot's string.
func (r *Registry) Decref(pid int) (nowZero bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[pid].useCount--
	return r.slots[pid].useCount == 0
}

// String returns the pattern string currently stored at pid, regardless of
// its use count.
func (r *Registry) String(pid int) string {
	sl := &r.slots[pid]
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.str
}

// ForEachLive iterates slots with useCount > 0 in slot-index order, yielding
// (pid, string) to callback. Used by the domain rebuilder to repopulate a
// fresh automaton from scratch.
func (r *Registry) ForEachLive(callback func(pid int, s string)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.slots {
		sl := &r.slots[i]
		if sl.useCount > 0 {
			sl.mu.Lock()
			s := sl.str
			sl.mu.Unlock()
			callback(i, s)
		}
	}
}

// Clean frees every slot's string and resets its use count to zero,
// regardless of current refcount. It is called once at domain teardown and
// must not be called while any bundle still holds live references into the
// registry.
func (r *Registry) Clean() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		sl := &r.slots[i]
		sl.mu.Lock()
		sl.str = ""
		sl.useCount = 0
		sl.mu.Unlock()
	}
}

// LiveCount returns the number of slots with useCount > 0, for diagnostics.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for i := range r.slots {
		if r.slots[i].useCount > 0 {
			n++
		}
	}
	return n
}
