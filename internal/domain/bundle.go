package domain

import (
	"context"
	"errors"
	"time"

	"github.com/swarmguard/acmatch/internal/resilience"
)

// bundleEntry is one live reference a bundle holds into the registry.
// slotRef duplicates pid while slot ids are table indices.
type bundleEntry struct {
	pid     int
	slotRef int
}

// Bundle is a caller-held, set-valued filter over a domain's shared match
// accumulator: a fixed-size hash table of entries keyed by pid mod
// BundleBuckets. A bundle owns its entries and the refcounts they
// contribute, never the pattern strings themselves.
type Bundle struct {
	domain  *Domain
	buckets [][]bundleEntry
}

// NewBundle creates an empty bundle against d.
func NewBundle(d *Domain) *Bundle {
	return &Bundle{domain: d, buckets: make([][]bundleEntry, BundleBuckets)}
}

// AddPatterns interns each string, takes a reference on its slot, and files
// an entry in this bundle. It is deliberately partial-commit: on the first
// interning failure (typically OutOfSlots) it stops and returns that error
// without rolling back entries already inserted earlier in the same call;
// the bundle is left valid, just reflecting only what succeeded.
func (b *Bundle) AddPatterns(patterns []string) error {
	d := b.domain
	if !d.tryLock() {
		return ErrBusy
	}
	defer d.unlock()

	needRebuild := false
	for _, s := range patterns {
		pid, fresh, err := d.registry.Intern(s)
		if err != nil {
			if needRebuild {
				d.scheduleDomainRebuild()
			}
			return err
		}
		d.registry.Incref(pid)
		bucket := pid % len(b.buckets)
		b.buckets[bucket] = append(b.buckets[bucket], bundleEntry{pid: pid, slotRef: pid})
		if fresh {
			needRebuild = true
		}
	}
	if needRebuild {
		d.scheduleDomainRebuild()
	}
	return nil
}

// RemovePatterns decrefs and discards every entry this bundle holds,
// scheduling a rebuild if any slot's use count reached zero.
func (b *Bundle) RemovePatterns() error {
	d := b.domain
	if !d.tryLock() {
		return ErrBusy
	}
	defer d.unlock()

	needRebuild := false
	for i, bucket := range b.buckets {
		for _, e := range bucket {
			if d.registry.Decref(e.pid) {
				needRebuild = true
			}
		}
		b.buckets[i] = nil
	}
	if needRebuild {
		d.scheduleDomainRebuild()
	}
	return nil
}

// busyOnly classifies only ErrBusy as worth retrying: AddPatterns and
// RemovePatterns return ErrBusy on lock contention, which a concurrent
// writer clears on its own, but the only other error they can return
// (ErrOutOfSlots, from AddPatterns) reports a full registry, which retrying
// the same call cannot fix.
func busyOnly(err error) bool {
	return errors.Is(err, ErrBusy)
}

// AddPatternsRetry wraps AddPatterns in resilience.Retry, absorbing a
// transient ErrBusy from a concurrently mutating caller on the same domain
// instead of making every caller hand-roll that loop.
func (b *Bundle) AddPatternsRetry(ctx context.Context, patterns []string, attempts int, delay time.Duration) error {
	_, err := resilience.Retry(ctx, attempts, delay, busyOnly, func() (struct{}, error) {
		return struct{}{}, b.AddPatterns(patterns)
	})
	return err
}

// RemovePatternsRetry wraps RemovePatterns in resilience.Retry, for the same
// ErrBusy-absorption reason as AddPatternsRetry.
func (b *Bundle) RemovePatternsRetry(ctx context.Context, attempts int, delay time.Duration) error {
	_, err := resilience.Retry(ctx, attempts, delay, busyOnly, func() (struct{}, error) {
		return struct{}{}, b.RemovePatterns()
	})
	return err
}

func (b *Bundle) contains(pid int) bool {
	bucket := b.buckets[pid%len(b.buckets)]
	for _, e := range bucket {
		if e.pid == pid {
			return true
		}
	}
	return false
}

// Cursor walks a replica's match accumulator, yielding only the entries this
// bundle references. It is a cheap value type; callers keep one per
// (bundle, replica) traversal.
type Cursor struct {
	pos int
}

// NextMatch advances cur through r's accumulator and returns the next entry
// whose pid this bundle holds. pids not present in the bundle are silently
// skipped, so many independent bundles can view one replica's matches
// without the automaton knowing about bundles at all.
func (b *Bundle) NextMatch(cur *Cursor, r *Replica) (pid int, position int, ok bool) {
	r.accMu.Lock()
	defer r.accMu.Unlock()
	for cur.pos < len(r.acc) {
		e := r.acc[cur.pos]
		cur.pos++
		if b.contains(e.pid) {
			return e.pid, e.position, true
		}
	}
	return 0, 0, false
}
