package mari

import "fmt"

// CellType is a schedule position kind.
type CellType uint8

const (
	CellBeacon   CellType = 'B' // gateway transmits a beacon
	CellShared   CellType = 'S' // contention uplink (join requests)
	CellDownlink CellType = 'D' // gateway to node data
	CellUplink   CellType = 'U' // assigned node to gateway
)

// MaxScheduleCells bounds the cell table.
const MaxScheduleCells = 137

// Cell is one schedule position. Only uplink cells carry an assignee; the
// two hash seeds are precomputed at assignment time so bloom recompute never
// hashes in the hot path.
type Cell struct {
	Type          CellType
	ChannelOffset uint8
	Assignee      uint64 // 0 = empty
	LastHeardASN  uint64
	bloomH1       uint64
	bloomH2       uint64
}

// Assigned reports whether the cell currently carries a node.
func (c *Cell) Assigned() bool { return c.Type == CellUplink && c.Assignee != 0 }

// Schedule is an immutable shape (id, backoff bounds, cell table) with
// mutable per-cell assignments. The active schedule is chosen once at init.
type Schedule struct {
	ID          uint8
	BackoffNMin uint8
	BackoffNMax uint8
	Cells       []Cell
}

// Validate checks the schedule shape invariants.
func (s *Schedule) Validate() error {
	if n := len(s.Cells); n == 0 || n > MaxScheduleCells {
		return fmt.Errorf("schedule %d: cell count %d out of range [1,%d]", s.ID, n, MaxScheduleCells)
	}
	if len(s.Cells) >= 3 {
		for i := 0; i < 3; i++ {
			if s.Cells[i].Type != CellBeacon {
				return fmt.Errorf("schedule %d: cell %d is %c, first three cells must be beacons", s.ID, i, s.Cells[i].Type)
			}
		}
	}
	if s.BackoffNMin > s.BackoffNMax {
		return fmt.Errorf("schedule %d: backoff n_min %d > n_max %d", s.ID, s.BackoffNMin, s.BackoffNMax)
	}
	for i := range s.Cells {
		c := &s.Cells[i]
		switch c.Type {
		case CellBeacon, CellShared, CellDownlink, CellUplink:
		default:
			return fmt.Errorf("schedule %d: cell %d has unknown type %d", s.ID, i, c.Type)
		}
		if int(c.ChannelOffset) >= len(hopTable) {
			return fmt.Errorf("schedule %d: cell %d channel offset %d exceeds hop pattern", s.ID, i, c.ChannelOffset)
		}
	}
	return nil
}

// NumCells returns the schedule length in slots.
func (s *Schedule) NumCells() int { return len(s.Cells) }

// MaxNodes is the number of uplink cells.
func (s *Schedule) MaxNodes() int {
	n := 0
	for i := range s.Cells {
		if s.Cells[i].Type == CellUplink {
			n++
		}
	}
	return n
}

// SlotOffset maps an ASN onto a schedule position.
func (s *Schedule) SlotOffset(asn uint64) int { return int(asn % uint64(len(s.Cells))) }

// SlotAt returns the cell at a slot offset.
func (s *Schedule) SlotAt(offset int) *Cell { return &s.Cells[offset] }

// Assign places id in the lowest-indexed free uplink cell and returns its
// index. Deterministic placement keeps behavior reproducible under test.
func (s *Schedule) Assign(id uint64, asn uint64) (int, error) {
	if _, ok := s.Lookup(id); ok {
		return 0, fmt.Errorf("%w: node %016x already assigned", ErrScheduleFull, id)
	}
	for i := range s.Cells {
		c := &s.Cells[i]
		if c.Type != CellUplink || c.Assignee != 0 {
			continue
		}
		c.Assignee = id
		c.LastHeardASN = asn
		c.bloomH1, c.bloomH2 = bloomSeeds(id)
		return i, nil
	}
	return 0, ErrScheduleFull
}

// Release frees the uplink cell assigned to id.
func (s *Schedule) Release(id uint64) error {
	i, ok := s.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: node %016x", ErrPeerUnknown, id)
	}
	c := &s.Cells[i]
	c.Assignee = 0
	c.LastHeardASN = 0
	c.bloomH1 = 0
	c.bloomH2 = 0
	return nil
}

// Lookup returns the uplink cell index assigned to id.
func (s *Schedule) Lookup(id uint64) (int, bool) {
	for i := range s.Cells {
		if s.Cells[i].Type == CellUplink && s.Cells[i].Assignee == id {
			return i, true
		}
	}
	return 0, false
}

// Touch refreshes the last-heard ASN for id.
func (s *Schedule) Touch(id uint64, asn uint64) bool {
	i, ok := s.Lookup(id)
	if !ok {
		return false
	}
	s.Cells[i].LastHeardASN = asn
	return true
}

// ForEachUplink calls fn for every uplink cell.
func (s *Schedule) ForEachUplink(fn func(index int, c *Cell)) {
	for i := range s.Cells {
		if s.Cells[i].Type == CellUplink {
			fn(i, &s.Cells[i])
		}
	}
}

// AssignedCount returns the number of occupied uplink cells.
func (s *Schedule) AssignedCount() int {
	n := 0
	for i := range s.Cells {
		if s.Cells[i].Assigned() {
			n++
		}
	}
	return n
}

// RemainingCapacity is advertised in beacons.
func (s *Schedule) RemainingCapacity() uint8 {
	free := s.MaxNodes() - s.AssignedCount()
	if free < 0 {
		free = 0
	}
	return uint8(free)
}

func cells(layout string) []Cell {
	cs := make([]Cell, 0, len(layout))
	for i := 0; i < len(layout); i++ {
		cs = append(cs, Cell{Type: CellType(layout[i]), ChannelOffset: uint8(i % len(hopTable))})
	}
	return cs
}

// Built-in schedules. Each call returns a fresh copy so assignments on one
// runtime never leak into another.

// ScheduleMinuscule is the smallest useful schedule: one joiner.
func ScheduleMinuscule() *Schedule {
	return &Schedule{ID: 6, BackoffNMin: 2, BackoffNMax: 5, Cells: cells("BBBSU")}
}

// ScheduleTiny fits a handful of nodes.
func ScheduleTiny() *Schedule {
	return &Schedule{ID: 5, BackoffNMin: 3, BackoffNMax: 6, Cells: cells("BBBSDUUUUU")}
}

// ScheduleSmall trades join latency for a few more uplinks.
func ScheduleSmall() *Schedule {
	return &Schedule{ID: 4, BackoffNMin: 4, BackoffNMax: 7, Cells: cells("BBBSDSDUUUUUUUUUU")}
}

// ScheduleBig serves a mid-size deployment.
func ScheduleBig() *Schedule {
	layout := "BBBSDSD"
	for len(layout) < 41 {
		layout += "U"
	}
	return &Schedule{ID: 2, BackoffNMin: 5, BackoffNMax: 8, Cells: cells(layout)}
}

// ScheduleHuge uses the whole cell budget.
func ScheduleHuge() *Schedule {
	layout := "BBBSDSDSD"
	for len(layout) < MaxScheduleCells {
		layout += "U"
	}
	return &Schedule{ID: 1, BackoffNMin: 5, BackoffNMax: 9, Cells: cells(layout)}
}

// ScheduleOnlyBeacons carries no uplinks; useful for range testing.
func ScheduleOnlyBeacons() *Schedule {
	return &Schedule{ID: 3, BackoffNMin: 5, BackoffNMax: 9, Cells: cells("BBBBB")}
}

// ScheduleByName resolves a configured schedule name.
func ScheduleByName(name string) (*Schedule, error) {
	switch name {
	case "minuscule":
		return ScheduleMinuscule(), nil
	case "tiny":
		return ScheduleTiny(), nil
	case "small":
		return ScheduleSmall(), nil
	case "big":
		return ScheduleBig(), nil
	case "huge":
		return ScheduleHuge(), nil
	case "only-beacons":
		return ScheduleOnlyBeacons(), nil
	}
	return nil, fmt.Errorf("unknown schedule %q", name)
}
