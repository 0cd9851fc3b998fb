package mari

import (
	"hash/fnv"
	"sync"
)

// BloomBits is the digest width; BloomBytes is its wire size.
const (
	BloomBits  = 1024
	BloomBytes = BloomBits / 8

	// bloomSalt perturbs the second hash input. Fixed by the wire
	// contract: nodes recompute the same positions from their own id.
	bloomSalt uint64 = 0x9e3779b97f4a7c15
)

// bloomSeeds returns the two FNV-1a hashes for id (little-endian bytes) used
// for k=2 double hashing: bit positions h1 % BloomBits and (h1+h2) % BloomBits.
func bloomSeeds(id uint64) (uint64, uint64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	h := fnv.New64a()
	h.Write(b[:])
	h1 := h.Sum64()

	x := id ^ bloomSalt
	for i := 0; i < 8; i++ {
		b[i] = byte(x >> (8 * i))
	}
	h.Reset()
	h.Write(b[:])
	return h1, h.Sum64()
}

func bloomPositions(h1, h2 uint64) (uint32, uint32) {
	return uint32(h1 % BloomBits), uint32((h1 + h2) % BloomBits)
}

// BloomDigest is the gateway-owned membership image of assigned node ids.
// Recompute writes into the inactive buffer and flips, so a Snapshot racing
// a recompute observes either the prior or the next complete image, never a
// torn one. Recompute itself runs only at slot tails and is not re-entrant.
type BloomDigest struct {
	mu        sync.RWMutex
	bufs      [2][BloomBytes]byte
	active    int
	available bool
	dirty     bool
}

// MarkDirty flags the digest for recompute at the next slot boundary.
func (d *BloomDigest) MarkDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// Dirty reports whether a recompute is pending.
func (d *BloomDigest) Dirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirty
}

// Available reports whether a complete image exists.
func (d *BloomDigest) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available
}

// Recompute rebuilds the digest from the schedule's current uplink
// assignments. Cost is O(uplink cells); the hash seeds were precomputed at
// assignment time.
func (d *BloomDigest) Recompute(s *Schedule) {
	next := 1 - d.activeIndex()
	buf := &d.bufs[next]
	for i := range buf {
		buf[i] = 0
	}
	s.ForEachUplink(func(_ int, c *Cell) {
		if c.Assignee == 0 {
			return
		}
		p1, p2 := bloomPositions(c.bloomH1, c.bloomH2)
		buf[p1/8] |= 1 << (p1 % 8)
		buf[p2/8] |= 1 << (p2 % 8)
	})
	d.mu.Lock()
	d.active = next
	d.available = true
	d.dirty = false
	d.mu.Unlock()
}

func (d *BloomDigest) activeIndex() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// Snapshot copies the current image into out (at least BloomBytes long) and
// returns the number of bytes written. Before the first recompute it returns
// ErrBloomUnavailable.
func (d *BloomDigest) Snapshot(out []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.available {
		return 0, ErrBloomUnavailable
	}
	if len(out) < BloomBytes {
		return 0, ErrBloomUnavailable
	}
	copy(out[:BloomBytes], d.bufs[d.active][:])
	return BloomBytes, nil
}

// BloomContains tests id against a digest image (typically beacon-carried).
// No false negatives for assigned ids; false positives are possible.
func BloomContains(digest []byte, id uint64) bool {
	if len(digest) < BloomBytes {
		return false
	}
	h1, h2 := bloomSeeds(id)
	p1, p2 := bloomPositions(h1, h2)
	return digest[p1/8]&(1<<(p1%8)) != 0 && digest[p2/8]&(1<<(p2%8)) != 0
}
