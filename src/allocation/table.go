package allocation

import "github.com/pkg/errors"

// Bucket is a contiguous range of draws [Start, Start+Width) served by
// Members. Ordinary pools share one bucket, each favor pool owns one.
type Bucket struct {
	Start   int
	Width   int
	Members []int
}

// Table is an immutable routing snapshot. Updates return a new Table so
// readers can hold a pointer without locking.
type Table struct {
	total   int
	buckets []Bucket
	ready   []bool
}

func NewTable(shares []Share) (*Table, error) {
	if len(shares) == 0 {
		return nil, errors.Wrap(ErrInvalidPlan, "no shares")
	}
	total := shares[0].Desired
	ordinary := Bucket{Width: -1}
	var favor []Bucket
	for i, s := range shares {
		if s.Desired != total {
			return nil, errors.Wrapf(ErrInvalidPlan, "pool %d desires %d, expected %d", i, s.Desired, total)
		}
		if s.Width() < 0 || s.Width() > total {
			return nil, errors.Wrapf(ErrInvalidPlan, "pool %d width %d out of range", i, s.Width())
		}
		if s.Favor {
			favor = append(favor, Bucket{Width: s.Width(), Members: []int{i}})
			continue
		}
		if ordinary.Width >= 0 && ordinary.Width != s.Width() {
			return nil, errors.Wrapf(ErrInvalidPlan, "ordinary pool %d width %d differs from %d", i, s.Width(), ordinary.Width)
		}
		ordinary.Width = s.Width()
		ordinary.Members = append(ordinary.Members, i)
	}
	if ordinary.Width < 0 {
		// favor-only configuration: the ordinary range exists but has no members
		ordinary.Width = total
		for _, b := range favor {
			ordinary.Width -= b.Width
		}
	}

	t := &Table{
		total:   total,
		buckets: make([]Bucket, 0, len(favor)+1),
		ready:   make([]bool, len(shares)),
	}
	start := 0
	for _, b := range append([]Bucket{ordinary}, favor...) {
		b.Start = start
		start += b.Width
		t.buckets = append(t.buckets, b)
	}
	if start > total {
		return nil, errors.Wrapf(ErrInvalidPlan, "buckets cover %d draws, total is %d", start, total)
	}
	return t, nil
}

func (t *Table) Total() int {
	return t.total
}

func (t *Table) Buckets() []Bucket {
	out := make([]Bucket, len(t.buckets))
	copy(out, t.buckets)
	return out
}

func (t *Table) Ready(pool int) bool {
	return pool >= 0 && pool < len(t.ready) && t.ready[pool]
}

func (t *Table) ReadyCount() int {
	n := 0
	for _, r := range t.ready {
		if r {
			n++
		}
	}
	return n
}

// WithReady returns a copy of t with the readiness of pool replaced.
func (t *Table) WithReady(pool int, ready bool) *Table {
	next := &Table{
		total:   t.total,
		buckets: t.buckets,
		ready:   make([]bool, len(t.ready)),
	}
	copy(next.ready, t.ready)
	if pool >= 0 && pool < len(next.ready) {
		next.ready[pool] = ready
	}
	return next
}

// Pick selects the pool for draw. The bucket containing draw%total is tried
// first; if none of its members is ready the following buckets are tried in
// order, wrapping. rotate is called once for the bucket that serves the draw
// and must advance a counter owned by that bucket, so members of a shared
// bucket take turns no matter how its range lines up with total.
func (t *Table) Pick(draw uint64, rotate func(bucket int) uint64) (int, bool) {
	n := len(t.buckets)
	if n == 0 {
		return -1, false
	}
	v := int(draw % uint64(t.total))
	first := 0
	for i, b := range t.buckets {
		if v >= b.Start && v < b.Start+b.Width {
			first = i
			break
		}
	}
	for k := 0; k < n; k++ {
		idx := (first + k) % n
		b := t.buckets[idx]
		if !t.anyReady(b) {
			continue
		}
		members := len(b.Members)
		start := 0
		if members > 1 {
			start = int(rotate(idx) % uint64(members))
		}
		for m := 0; m < members; m++ {
			if pool := b.Members[(start+m)%members]; t.ready[pool] {
				return pool, true
			}
		}
	}
	return -1, false
}

func (t *Table) anyReady(b Bucket) bool {
	for _, pool := range b.Members {
		if t.ready[pool] {
			return true
		}
	}
	return false
}
