package mari

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestBloomUnavailableBeforeRecompute(t *testing.T) {
	var d BloomDigest
	var out [BloomBytes]byte
	if _, err := d.Snapshot(out[:]); !errors.Is(err, ErrBloomUnavailable) {
		t.Fatalf("expected ErrBloomUnavailable, got %v", err)
	}
}

func TestBloomContainsAssigned(t *testing.T) {
	s := ScheduleTiny()
	ids := []uint64{0xAA, 0xBB, 0x123456789ABCDEF0}
	for _, id := range ids {
		if _, err := s.Assign(id, 1); err != nil {
			t.Fatalf("assign %x: %v", id, err)
		}
	}
	var d BloomDigest
	d.MarkDirty()
	d.Recompute(s)

	var out [BloomBytes]byte
	n, err := d.Snapshot(out[:])
	if err != nil || n != BloomBytes {
		t.Fatalf("snapshot: n=%d err=%v", n, err)
	}
	for _, id := range ids {
		if !BloomContains(out[:], id) {
			t.Fatalf("assigned id %x missing from digest", id)
		}
	}
}

func TestBloomDirtyLifecycle(t *testing.T) {
	s := ScheduleMinuscule()
	var d BloomDigest
	if d.Dirty() {
		t.Fatalf("fresh digest should not be dirty")
	}
	d.MarkDirty()
	if !d.Dirty() {
		t.Fatalf("mark dirty lost")
	}
	d.Recompute(s)
	if d.Dirty() {
		t.Fatalf("recompute should clear dirty")
	}
	if !d.Available() {
		t.Fatalf("recompute should make digest available")
	}
}

func TestBloomReleaseClearsMembership(t *testing.T) {
	s := ScheduleMinuscule()
	if _, err := s.Assign(0xAA, 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	var d BloomDigest
	d.Recompute(s)
	var before [BloomBytes]byte
	d.Snapshot(before[:])
	if !BloomContains(before[:], 0xAA) {
		t.Fatalf("0xAA should be present")
	}

	if err := s.Release(0xAA); err != nil {
		t.Fatalf("release: %v", err)
	}
	d.Recompute(s)
	var after [BloomBytes]byte
	d.Snapshot(after[:])
	if BloomContains(after[:], 0xAA) {
		t.Fatalf("released id still present (no other members, so no false positive possible)")
	}
}

func TestBloomSnapshotStableAcrossRecompute(t *testing.T) {
	// A snapshot taken after a recompute must equal either the prior or
	// the next complete image.
	s := ScheduleTiny()
	s.Assign(0xAA, 1)
	var d BloomDigest
	d.Recompute(s)
	var prior [BloomBytes]byte
	d.Snapshot(prior[:])

	s.Assign(0xBB, 2)
	d.Recompute(s)
	var next [BloomBytes]byte
	d.Snapshot(next[:])

	var observed [BloomBytes]byte
	d.Snapshot(observed[:])
	if !bytes.Equal(observed[:], prior[:]) && !bytes.Equal(observed[:], next[:]) {
		t.Fatalf("torn digest image")
	}
}

func TestBloomKnownPositions(t *testing.T) {
	// The digest sets exactly h1%1024 and (h1+h2)%1024 per member.
	h1, h2 := bloomSeeds(0xAA)
	p1, p2 := bloomPositions(h1, h2)
	if p1 >= BloomBits || p2 >= BloomBits {
		t.Fatalf("positions out of range: %d %d", p1, p2)
	}

	s := ScheduleMinuscule()
	s.Assign(0xAA, 1)
	var d BloomDigest
	d.Recompute(s)
	var out [BloomBytes]byte
	d.Snapshot(out[:])

	for i := uint32(0); i < BloomBits; i++ {
		set := out[i/8]&(1<<(i%8)) != 0
		want := i == p1 || i == p2
		if set != want {
			t.Fatalf("bit %d: set=%v want=%v", i, set, want)
		}
	}
}

func TestBloomNoFalseNegativesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := ScheduleSmall()
		n := rapid.IntRange(1, s.MaxNodes()).Draw(t, "n")
		ids := make(map[uint64]bool, n)
		for len(ids) < n {
			id := rapid.Uint64Range(1, 1<<62).Draw(t, "id")
			if ids[id] {
				continue
			}
			if _, err := s.Assign(id, 1); err != nil {
				t.Fatalf("assign: %v", err)
			}
			ids[id] = true
		}
		var d BloomDigest
		d.Recompute(s)
		var out [BloomBytes]byte
		d.Snapshot(out[:])
		for id := range ids {
			if !BloomContains(out[:], id) {
				t.Fatalf("false negative for %x", id)
			}
		}
	})
}
