package crdt

import "sort"

// VectorClock maps replica id to a monotonically increasing counter. It
// tracks insertion order separately so the truncation safeguard in
// spec.md §3 ("Vector clock") can drop the oldest entries by insertion
// order rather than by map iteration order, which Go does not guarantee.
type VectorClock struct {
	counts map[string]uint64
	order  []string
}

// maxClockEntries and keepClockEntries implement the vector-clock
// truncation safeguard: once a clock exceeds maxClockEntries distinct
// replicas, it is truncated to the keepClockEntries most recently inserted
// entries. This only matters under pathological churn (thousands of
// short-lived replicas against one room) and exists for bug-compatible
// behavior with the reference implementation, per spec.md §9.
const (
	maxClockEntries  = 1000
	keepClockEntries = 100
)

// NewVectorClock returns an empty vector clock.
func NewVectorClock() VectorClock {
	return VectorClock{counts: make(map[string]uint64)}
}

// Get returns the counter for replica, or 0 if the replica has no entry.
func (c VectorClock) Get(replica string) uint64 {
	return c.counts[replica]
}

// Increment bumps replica's entry by one, creating it if absent.
func (c *VectorClock) Increment(replica string) {
	if c.counts == nil {
		c.counts = make(map[string]uint64)
	}
	if _, ok := c.counts[replica]; !ok {
		c.order = append(c.order, replica)
	}
	c.counts[replica]++
	c.truncate()
}

// Clone returns a deep copy of c.
func (c VectorClock) Clone() VectorClock {
	out := VectorClock{
		counts: make(map[string]uint64, len(c.counts)),
		order:  append([]string(nil), c.order...),
	}
	for k, v := range c.counts {
		out.counts[k] = v
	}
	return out
}

// MergeMax merges other into c entry-wise by max, per spec.md §3 ("On
// import, the local clock is merged by taking the per-entry max").
func (c *VectorClock) MergeMax(other VectorClock) {
	if c.counts == nil {
		c.counts = make(map[string]uint64)
	}
	for _, replica := range other.order {
		value := other.counts[replica]
		if _, ok := c.counts[replica]; !ok {
			c.order = append(c.order, replica)
		}
		if value > c.counts[replica] {
			c.counts[replica] = value
		}
	}
	c.truncate()
}

// truncate enforces the 1000-entry / last-100 safety valve.
func (c *VectorClock) truncate() {
	if len(c.order) <= maxClockEntries {
		return
	}
	keep := c.order[len(c.order)-keepClockEntries:]
	newCounts := make(map[string]uint64, len(keep))
	for _, replica := range keep {
		newCounts[replica] = c.counts[replica]
	}
	c.counts = newCounts
	c.order = append([]string(nil), keep...)
}

// EnsureReplica guarantees replica has an entry, defaulting it to 0 if
// absent, without bumping any existing counter.
func (c *VectorClock) EnsureReplica(replica string) {
	if c.counts == nil {
		c.counts = make(map[string]uint64)
	}
	if _, ok := c.counts[replica]; ok {
		return
	}
	c.counts[replica] = 0
	c.order = append(c.order, replica)
}

// MaxCounter returns the largest counter value present in the clock, used
// as the first tie-break for concurrent operations (spec.md §4.1).
func (c VectorClock) MaxCounter() uint64 {
	var max uint64
	for _, v := range c.counts {
		if v > max {
			max = v
		}
	}
	return max
}

// Dominates reports whether c dominates other: every entry of c is >= the
// corresponding entry of other (missing entries counting as 0), with at
// least one entry strictly greater.
func (c VectorClock) Dominates(other VectorClock) bool {
	strictlyGreater := false
	seen := make(map[string]struct{}, len(c.counts)+len(other.counts))
	for k := range c.counts {
		seen[k] = struct{}{}
	}
	for k := range other.counts {
		seen[k] = struct{}{}
	}
	for k := range seen {
		cv, ov := c.counts[k], other.counts[k]
		if cv < ov {
			return false
		}
		if cv > ov {
			strictlyGreater = true
		}
	}
	return strictlyGreater
}

// ClockEntry is an ordered (replica, counter) pair used to serialize a
// vector clock as the spec's "ordered pair-sequence" (spec.md §3).
type ClockEntry struct {
	Replica string `json:"replica"`
	Counter uint64 `json:"counter"`
}

// Entries returns the clock as an ordered pair-sequence, sorted by replica
// id for deterministic serialization.
func (c VectorClock) Entries() []ClockEntry {
	entries := make([]ClockEntry, 0, len(c.counts))
	for k, v := range c.counts {
		entries = append(entries, ClockEntry{Replica: k, Counter: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Replica < entries[j].Replica })
	return entries
}

// ClockFromEntries rebuilds a VectorClock from a serialized pair-sequence.
func ClockFromEntries(entries []ClockEntry) VectorClock {
	c := NewVectorClock()
	for _, e := range entries {
		c.order = append(c.order, e.Replica)
		c.counts[e.Replica] = e.Counter
	}
	c.truncate()
	return c
}
