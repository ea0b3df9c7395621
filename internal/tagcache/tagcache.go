// Package tagcache maintains the last known value and change epoch of every
// named tag published by the HMI runtime, and wakes interpreter tasks
// blocked on a predicate over a tag's value.
//
// Waiter registration is edge-triggered on epoch advance, not level-checked
// on value: pairing (predicate, last-seen epoch) with registration under the
// same lock that gates the epoch avoids a missed-wakeup race where an update
// lands between a waiter's value check and its registration. Wake-up itself
// always happens outside the critical section.
package tagcache

import (
	"context"
	"strconv"
	"sync"
)

// Predicate reports whether value satisfies a wait_tag condition. changed
// predicates ignore value entirely and always return true; the epoch check
// in Wait is what gives them their "changed" semantics.
type Predicate func(value string) bool

// Eq reports whether value parses as a decimal numerically equal to n.
// Non-numeric values evaluate false, never fault.
func Eq(n float64) Predicate { return numeric(n, func(v, n float64) bool { return v == n }) }
func Ne(n float64) Predicate { return numeric(n, func(v, n float64) bool { return v != n }) }
func Lt(n float64) Predicate { return numeric(n, func(v, n float64) bool { return v < n }) }
func Le(n float64) Predicate { return numeric(n, func(v, n float64) bool { return v <= n }) }
func Gt(n float64) Predicate { return numeric(n, func(v, n float64) bool { return v > n }) }
func Ge(n float64) Predicate { return numeric(n, func(v, n float64) bool { return v >= n }) }

func numeric(n float64, cmp func(v, n float64) bool) Predicate {
	return func(value string) bool {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		return cmp(v, n)
	}
}

// EqStr and NeStr compare value against s as plain strings.
func EqStr(s string) Predicate { return func(value string) bool { return value == s } }
func NeStr(s string) Predicate { return func(value string) bool { return value != s } }

// Changed always holds; combined with the epoch check in Wait it wakes on
// any update, including a same-value rewrite.
func Changed() Predicate { return func(string) bool { return true } }

// And conjoins several predicates declared on the same <wait_tag>: all must
// hold on the observed value for the wait to resolve.
func And(preds ...Predicate) Predicate {
	return func(value string) bool {
		for _, p := range preds {
			if !p(value) {
				return false
			}
		}
		return true
	}
}

type waiter struct {
	lastSeen  uint64
	predicate Predicate
	result    chan string
}

type tagState struct {
	value   string
	epoch   uint64
	waiters []*waiter
}

// Sink receives outbound tag writes for delivery to the upstream HMI
// runtime. Write calls it after the local cache has observed the value.
type Sink interface {
	WriteTag(name, value string)
}

// Cache is a concurrency-safe name -> (value, epoch) map with waiter
// fan-out. The zero value is not usable; construct with New.
type Cache struct {
	mu   sync.Mutex
	tags map[string]*tagState
	sink Sink
}

// New creates an empty Cache. sink may be nil if outbound writes are not
// needed (e.g. in tests).
func New(sink Sink) *Cache {
	return &Cache{tags: make(map[string]*tagState), sink: sink}
}

// SetSink binds (or replaces) the outbound sink after construction, letting
// the cache and the component that writes through it be built independently
// and wired together once both exist.
func (c *Cache) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Cache) stateLocked(name string) *tagState {
	st, ok := c.tags[name]
	if !ok {
		st = &tagState{}
		c.tags[name] = st
	}
	return st
}

// Update sets a tag's value and unconditionally advances its change epoch —
// even a same-value write wakes `changed` waiters.
func (c *Cache) Update(name, value string) {
	c.mu.Lock()
	st := c.stateLocked(name)
	st.value = value
	st.epoch++
	epoch := st.epoch

	var woken []*waiter
	remaining := st.waiters[:0]
	for _, w := range st.waiters {
		if epoch > w.lastSeen && w.predicate(value) {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	st.waiters = remaining
	c.mu.Unlock()

	for _, w := range woken {
		w.result <- value
	}
}

// Write is Update plus an outbound WriteTag to the upstream sink, as used by
// the set_tag action. The local cache is updated — and therefore any
// immediately following wait_tag in the same task observes it — before the
// outbound call, so a task never races its own write.
func (c *Cache) Write(name, value string) {
	c.Update(name, value)
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.WriteTag(name, value)
	}
}

// Get returns a tag's current value and epoch. ok is false if the tag has
// never been observed or declared.
func (c *Cache) Get(name string) (value string, epoch uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, exists := c.tags[name]
	if !exists {
		return "", 0, false
	}
	return st.value, st.epoch, true
}

// Epoch returns a tag's current epoch (0 if never observed), for callers
// that need a baseline to pass to Wait without caring about the value yet.
func (c *Cache) Epoch(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tags[name]; ok {
		return st.epoch
	}
	return 0
}

// Wait suspends until name's change epoch exceeds lastSeenEpoch and
// predicate holds on the resulting value, or ctx is done first, in which case
// it returns ctx.Err() (context.Canceled or context.DeadlineExceeded).
// interp.WaitTag passes that error on unchanged; wait_tag has no timeout of
// its own that turns expiry into normal completion.
func (c *Cache) Wait(ctx context.Context, name string, lastSeenEpoch uint64, predicate Predicate) (string, error) {
	c.mu.Lock()
	st := c.stateLocked(name)
	if st.epoch > lastSeenEpoch && predicate(st.value) {
		v := st.value
		c.mu.Unlock()
		return v, nil
	}

	w := &waiter{lastSeen: lastSeenEpoch, predicate: predicate, result: make(chan string, 1)}
	st.waiters = append(st.waiters, w)
	c.mu.Unlock()

	select {
	case v := <-w.result:
		return v, nil
	case <-ctx.Done():
		c.removeWaiter(name, w)
		return "", ctx.Err()
	}
}

func (c *Cache) removeWaiter(name string, target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tags[name]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == target {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}
