package firewall

import (
	"sync"
	"time"
)

// ConnState is a conntrack entry's lifecycle: it transitions New →
// Established on the first reply-direction packet.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnEstablished
	ConnSynSent
	ConnTimeWait
)

// FiveTuple identifies one flow.
type FiveTuple struct {
	Proto            ProtoMatch
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
}

func (t FiveTuple) reverse() FiveTuple {
	return FiveTuple{Proto: t.Proto, SrcIP: t.DstIP, DstIP: t.SrcIP, SrcPort: t.DstPort, DstPort: t.SrcPort}
}

type connEntry struct {
	state    ConnState
	lastSeen time.Time
}

// Per-state timeouts: SYN_SENT and NEW expire quickly, ESTABLISHED is
// long-lived, TIME_WAIT sits in between.
const (
	timeoutSynSent     = 30 * time.Second
	timeoutNew         = 30 * time.Second
	timeoutEstablished = 5 * time.Minute
	timeoutTimeWait    = 2 * time.Minute
)

func timeoutFor(s ConnState) time.Duration {
	switch s {
	case ConnSynSent:
		return timeoutSynSent
	case ConnNew:
		return timeoutNew
	case ConnEstablished:
		return timeoutEstablished
	case ConnTimeWait:
		return timeoutTimeWait
	default:
		return timeoutNew
	}
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	entries map[FiveTuple]*connEntry
}

// Table is a sharded 5-tuple conntrack table; sharding by a hash of the
// tuple bounds lock contention across cores the way a real kernel's
// per-CPU conntrack tables do.
type Table struct {
	shards [shardCount]*shard
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[FiveTuple]*connEntry)}
	}
	return t
}

func (t *Table) shardFor(key FiveTuple) *shard {
	// Symmetric in (src, dst) so a tuple and its reverse share a shard,
	// which Observe and Lookup rely on for reply-direction matching.
	h := fnv32(key.SrcIP) ^ fnv32(key.DstIP) ^ uint32(key.SrcPort) ^ uint32(key.DstPort)
	return t.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Observe updates (or creates) the entry for key, returning its resulting
// state. The first packet in the reverse direction of an existing New
// entry transitions it to Established.
func (t *Table) Observe(key FiveTuple, isSyn bool) ConnState {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		e.lastSeen = time.Now()
		return e.state
	}
	if rev, ok := sh.entries[key.reverse()]; ok {
		rev.state = ConnEstablished
		rev.lastSeen = time.Now()
		return ConnEstablished
	}

	state := ConnNew
	if isSyn {
		state = ConnSynSent
	}
	sh.entries[key] = &connEntry{state: state, lastSeen: time.Now()}
	return state
}

// Lookup returns the current state for key without mutating anything.
func (t *Table) Lookup(key FiveTuple) (ConnState, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		return e.state, true
	}
	if e, ok := sh.entries[key.reverse()]; ok {
		return e.state, true
	}
	return ConnNew, false
}

// Sweep evicts entries whose idle time exceeds their state's timeout:
// now − last_seen > timeout.
func (t *Table) Sweep() {
	now := time.Now()
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if now.Sub(e.lastSeen) > timeoutFor(e.state) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the total number of tracked flows across all shards.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
