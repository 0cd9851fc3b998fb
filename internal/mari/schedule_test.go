package mari

import (
	"errors"
	"testing"
)

func TestScheduleValidateBuiltins(t *testing.T) {
	for _, name := range []string{"minuscule", "tiny", "small", "big", "huge", "only-beacons"} {
		s, err := ScheduleByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if err := s.Validate(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if s.NumCells() > MaxScheduleCells {
			t.Fatalf("%s: %d cells exceeds cap", name, s.NumCells())
		}
	}
	if _, err := ScheduleByName("gigantic"); err == nil {
		t.Fatalf("expected error for unknown schedule")
	}
}

func TestValidateRejectsBadShapes(t *testing.T) {
	s := &Schedule{ID: 9, Cells: cells("SBBBU")}
	if err := s.Validate(); err == nil {
		t.Fatalf("schedule without leading beacons should fail")
	}
	s = &Schedule{ID: 9, BackoffNMin: 5, BackoffNMax: 2, Cells: cells("BBBSU")}
	if err := s.Validate(); err == nil {
		t.Fatalf("inverted backoff bounds should fail")
	}
}

func TestAssignLowestFreeCell(t *testing.T) {
	s := ScheduleTiny() // BBBSDUUUUU: uplinks at 5..9
	i, err := s.Assign(0xAA, 10)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if i != 5 {
		t.Fatalf("expected lowest uplink cell 5, got %d", i)
	}
	j, err := s.Assign(0xBB, 11)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if j != 6 {
		t.Fatalf("expected cell 6, got %d", j)
	}
}

func TestAssignLookupReleaseAlgebra(t *testing.T) {
	s := ScheduleTiny()
	i, err := s.Assign(0xAA, 1)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	idx, ok := s.Lookup(0xAA)
	if !ok || idx != i {
		t.Fatalf("lookup after assign: idx=%d ok=%v", idx, ok)
	}
	if s.SlotAt(idx).Assignee != 0xAA {
		t.Fatalf("cell %d should carry 0xAA", idx)
	}
	if err := s.Release(0xAA); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := s.Lookup(0xAA); ok {
		t.Fatalf("lookup after release should miss")
	}
	if err := s.Release(0xAA); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("double release: %v", err)
	}
}

func TestAssignRejectsDuplicate(t *testing.T) {
	s := ScheduleTiny()
	if _, err := s.Assign(0xAA, 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := s.Assign(0xAA, 2); err == nil {
		t.Fatalf("duplicate assign should fail")
	}
	// still exactly one cell carries the id
	count := 0
	s.ForEachUplink(func(_ int, c *Cell) {
		if c.Assignee == 0xAA {
			count++
		}
	})
	if count != 1 {
		t.Fatalf("id occupies %d cells, want 1", count)
	}
}

func TestScheduleFull(t *testing.T) {
	s := ScheduleMinuscule() // one uplink cell
	if _, err := s.Assign(0xAA, 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := s.Assign(0xBB, 1); !errors.Is(err, ErrScheduleFull) {
		t.Fatalf("expected ErrScheduleFull, got %v", err)
	}
	if s.RemainingCapacity() != 0 {
		t.Fatalf("capacity should be 0, got %d", s.RemainingCapacity())
	}
}

func TestTouchRefreshesLastHeard(t *testing.T) {
	s := ScheduleMinuscule()
	i, _ := s.Assign(0xAA, 5)
	if !s.Touch(0xAA, 99) {
		t.Fatalf("touch should find assignee")
	}
	if s.SlotAt(i).LastHeardASN != 99 {
		t.Fatalf("last heard not refreshed: %d", s.SlotAt(i).LastHeardASN)
	}
	if s.Touch(0xBB, 100) {
		t.Fatalf("touch of stranger should miss")
	}
}

func TestSlotOffsetWraps(t *testing.T) {
	s := ScheduleMinuscule()
	if s.SlotOffset(0) != 0 || s.SlotOffset(5) != 0 || s.SlotOffset(7) != 2 {
		t.Fatalf("slot offset math broken")
	}
}

func TestMaxNodesMatchesUplinkCount(t *testing.T) {
	s := ScheduleSmall()
	n := 0
	s.ForEachUplink(func(int, *Cell) { n++ })
	if s.MaxNodes() != n {
		t.Fatalf("MaxNodes %d != uplink count %d", s.MaxNodes(), n)
	}
}
