package replay

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SeedFunc returns the next unused on-chain nonce of a lane
type SeedFunc func(ctx context.Context, signer common.Address, lane uint64) (*big.Int, error)

// State tracks multinonce allocations for every signer it has seen.
// It lives for the lifetime of the process and is never persisted.
// All methods are safe for concurrent use.
type State struct {
	mu      sync.Mutex
	lanes   uint64
	signers map[common.Address]*signerLanes
}

type signerLanes struct {
	cursor uint64
	lanes  map[uint64]*lane
}

type lane struct {
	seeded    bool
	next      *big.Int
	confirmed *big.Int
	released  []*big.Int
	inFlight  map[string]struct{}
}

// NewState creates an empty state with the given number of lanes per signer
func NewState(lanes uint64) *State {
	if lanes == 0 {
		lanes = 1
	}
	return &State{
		lanes:   lanes,
		signers: make(map[common.Address]*signerLanes),
	}
}

// Lanes returns the number of lanes per signer
func (s *State) Lanes() uint64 {
	return s.lanes
}

func (s *State) laneLocked(signer common.Address, idx uint64) *lane {
	sl, ok := s.signers[signer]
	if !ok {
		sl = &signerLanes{lanes: make(map[uint64]*lane)}
		s.signers[signer] = sl
	}
	l, ok := sl.lanes[idx]
	if !ok {
		l = &lane{
			next:      new(big.Int),
			confirmed: new(big.Int),
			inFlight:  make(map[string]struct{}),
		}
		sl.lanes[idx] = l
	}
	return l
}

func (s *State) nextLaneLocked(signer common.Address) uint64 {
	sl, ok := s.signers[signer]
	if !ok {
		sl = &signerLanes{lanes: make(map[uint64]*lane)}
		s.signers[signer] = sl
	}
	idx := sl.cursor % s.lanes
	sl.cursor++
	return idx
}

// Allocate reserves the next (lane, nonce) pair for signer. Lanes are handed
// out round-robin. A lane touched for the first time is seeded with seed when
// it is non-nil, otherwise it starts at zero. The same pair is never returned
// twice unless it was released first.
func (s *State) Allocate(ctx context.Context, signer common.Address, seed SeedFunc) (uint64, *big.Int, error) {
	s.mu.Lock()
	idx := s.nextLaneLocked(signer)
	l := s.laneLocked(signer, idx)
	seeded := l.seeded
	s.mu.Unlock()

	var start *big.Int
	if !seeded && seed != nil {
		var err error
		start, err = seed(ctx, signer, idx)
		if err != nil {
			return 0, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !l.seeded {
		if start != nil {
			l.seedLocked(start)
		}
		l.seeded = true
	}

	var nonce *big.Int
	if len(l.released) > 0 {
		nonce = l.released[0]
		l.released = l.released[1:]
	} else {
		nonce = new(big.Int).Set(l.next)
		l.next.Add(l.next, big.NewInt(1))
	}
	l.inFlight[nonce.String()] = struct{}{}
	return idx, new(big.Int).Set(nonce), nil
}

// seedLocked moves the lane up to the hub's next unused nonce. Released
// nonces below it were used on chain after all and are dropped.
func (l *lane) seedLocked(start *big.Int) {
	if start.Cmp(l.confirmed) > 0 {
		l.confirmed.Set(start)
	}
	if start.Cmp(l.next) > 0 {
		l.next.Set(start)
	}
	kept := l.released[:0]
	for _, n := range l.released {
		if n.Cmp(start) >= 0 {
			kept = append(kept, n)
		}
	}
	l.released = kept
}

// Reseed makes the next allocation on a lane read the hub again
func (s *State) Reseed(signer common.Address, idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.laneLocked(signer, idx).seeded = false
}

// Release returns an allocated nonce that was never signed so it is reissued
// before any fresh nonce of the lane.
func (s *State) Release(signer common.Address, idx uint64, nonce *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.laneLocked(signer, idx)
	key := nonce.String()
	if _, ok := l.inFlight[key]; !ok {
		return
	}
	delete(l.inFlight, key)

	last := new(big.Int).Sub(l.next, big.NewInt(1))
	if nonce.Cmp(last) == 0 {
		l.next.Set(last)
		return
	}
	l.released = append(l.released, new(big.Int).Set(nonce))
	sort.Slice(l.released, func(i, j int) bool {
		return l.released[i].Cmp(l.released[j]) < 0
	})
}

// Consume marks a nonce as used on chain
func (s *State) Consume(signer common.Address, idx uint64, nonce *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.laneLocked(signer, idx)
	delete(l.inFlight, nonce.String())
	if next := new(big.Int).Add(nonce, big.NewInt(1)); next.Cmp(l.confirmed) > 0 {
		l.confirmed.Set(next)
	}
}

// InFlight returns how many nonces of signer are allocated but not yet consumed
func (s *State) InFlight(signer common.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.signers[signer]
	if !ok {
		return 0
	}
	n := 0
	for _, l := range sl.lanes {
		n += len(l.inFlight)
	}
	return n
}

// Confirmed returns the number of nonces of a lane known to be used on chain
func (s *State) Confirmed(signer common.Address, idx uint64) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.laneLocked(signer, idx).confirmed)
}
