package ipc

import (
	"sync"

	"github.com/splax-s/splax/capability"
)

// region backs a SharedRegion capability: a byte buffer moved between
// address spaces instead of copied through a channel's queue.
type region struct {
	mu     sync.Mutex
	data   []byte
	mapped bool // false once unmapped from the current holder
}

// RegionStore holds shared-memory regions referenced by ResourceRegion
// capabilities. A real microkernel would back this with actual page
// mappings; this models the same ownership-transfer discipline over a
// plain Go byte slice, which is sufficient to exercise the
// capability-move invariant without an MMU.
type RegionStore struct {
	cap *capability.Engine

	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*region
}

// NewRegionStore creates a region store bound to cap.
func NewRegionStore(cap *capability.Engine) *RegionStore {
	return &RegionStore{cap: cap, byID: make(map[uint64]*region)}
}

// Create maps a new region containing data and returns a capability
// authorizing read+write access to it.
func (s *RegionStore) Create(data []byte) (capability.Token, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.byID[id] = &region{data: data, mapped: true}
	s.mu.Unlock()

	return s.cap.MintRoot(capability.ResourceRegion, id, capability.OpRead|capability.OpWrite)
}

// Read returns the region's bytes, provided tok still authorizes read
// access and the region hasn't been unmapped from this holder.
func (s *RegionStore) Read(tok capability.Token) ([]byte, error) {
	if err := s.cap.Check(tok, capability.OpRead, 0); err != nil {
		return nil, err
	}
	r, err := s.find(tok)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.mapped {
		return nil, ErrCapabilityMoved
	}
	return r.data, nil
}

// Unmap detaches data from the sender's address space at send time — the
// move step for large zero-copy payloads. The region's bytes remain
// reachable through whatever new capability the receiver was granted;
// callers holding only the unmapped token observe ErrCapabilityMoved
// from Read thereafter.
func (s *RegionStore) Unmap(tok capability.Token) error {
	r, err := s.find(tok)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.mapped = false
	r.mu.Unlock()
	return nil
}

func (s *RegionStore) find(tok capability.Token) (*region, error) {
	resType, resID, err := s.cap.Resource(tok)
	if err != nil {
		return nil, err
	}
	if resType != capability.ResourceRegion {
		return nil, ErrUnknownChannel
	}
	s.mu.Lock()
	r, ok := s.byID[resID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownChannel
	}
	return r, nil
}
