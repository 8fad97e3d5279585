package timeouts

import (
	"container/heap"
	"sync"
	"time"
)

// Stopper cancels a scheduled callback. Stop reports whether the call
// prevented the callback from running.
type Stopper interface {
	Stop() bool
}

// Clock schedules callbacks. Implementations decide which goroutine runs them;
// the replay loop supplies one that funnels every callback onto the session goroutine.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// SystemClock runs callbacks on the runtime timer goroutine.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// VirtualClock is a manually advanced clock. Callbacks run synchronously on
// the goroutine calling Advance or Step, in deadline order (ties in
// scheduling order). It makes timer-driven code deterministic in tests.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending virtualQueue
}

// NewVirtualClock returns a clock that starts at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (v *VirtualClock) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *VirtualClock) AfterFunc(d time.Duration, f func()) Stopper {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d < 0 {
		d = 0
	}
	v.seq++
	vt := &virtualTimer{clock: v, due: v.now.Add(d), seq: v.seq, fn: f}
	heap.Push(&v.pending, vt)
	return vt
}

// Pending is the number of callbacks waiting to run.
func (v *VirtualClock) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending.Len()
}

// Step advances to the earliest pending deadline and runs that callback.
// It returns false when nothing is scheduled.
func (v *VirtualClock) Step() bool {
	v.mu.Lock()
	if v.pending.Len() == 0 {
		v.mu.Unlock()
		return false
	}
	vt := heap.Pop(&v.pending).(*virtualTimer)
	vt.done = true
	if vt.due.After(v.now) {
		v.now = vt.due
	}
	v.mu.Unlock()
	vt.fn()
	return true
}

// Advance moves the clock forward by d, running every callback that comes due
// on the way, including ones scheduled by earlier callbacks.
func (v *VirtualClock) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()
	for {
		v.mu.Lock()
		if v.pending.Len() == 0 || v.pending[0].due.After(target) {
			v.now = target
			v.mu.Unlock()
			return
		}
		v.mu.Unlock()
		v.Step()
	}
}

type virtualTimer struct {
	clock *VirtualClock
	due   time.Time
	seq   uint64
	fn    func()
	index int
	done  bool
}

func (vt *virtualTimer) Stop() bool {
	v := vt.clock
	v.mu.Lock()
	defer v.mu.Unlock()
	if vt.done {
		return false
	}
	vt.done = true
	heap.Remove(&v.pending, vt.index)
	return true
}

type virtualQueue []*virtualTimer

func (q virtualQueue) Len() int { return len(q) }
func (q virtualQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q virtualQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *virtualQueue) Push(x any) {
	vt := x.(*virtualTimer)
	vt.index = len(*q)
	*q = append(*q, vt)
}
func (q *virtualQueue) Pop() any {
	old := *q
	n := len(old)
	vt := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return vt
}
