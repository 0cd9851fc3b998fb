package mari

// Role selects which side of the protocol a runtime plays.
type Role uint8

const (
	RoleGateway Role = iota + 1
	RoleNode
)

func (r Role) String() string {
	if r == RoleGateway {
		return "gateway"
	}
	return "node"
}

// SlotAction is the radio action for one slot.
type SlotAction uint8

const (
	ActionSleep SlotAction = iota
	ActionRx
	ActionTx
)

func (a SlotAction) String() string {
	switch a {
	case ActionRx:
		return "rx"
	case ActionTx:
		return "tx"
	}
	return "sleep"
}

// SlotInfo is the scheduler's verdict for a slot.
type SlotInfo struct {
	Action    SlotAction
	Channel   uint8
	Type      CellType
	CellIndex int
}

// hopTable is the physical channel plan: the 37 BLE data channels of the
// nRF radio. Channel offsets in schedules index into this table.
var hopTable = func() [37]uint8 {
	var t [37]uint8
	for i := range t {
		t[i] = uint8(i)
	}
	return t
}()

// hopBase seeds the pseudo-random walk over hopTable.
const hopBase uint64 = 0x2545f491

// scanDwellSlots is how long an unsynchronized node parks on one channel
// before rotating to the next.
const scanDwellSlots = 16

// defaultBeaconCadence makes a synchronized node listen to at least every
// Nth beacon slot even when it could sleep through it.
const defaultBeaconCadence = 4

// Scheduler selects the per-slot action, channel and peer for one runtime.
type Scheduler struct {
	role             Role
	sched            *Schedule
	fixedChannel     uint8 // 0 = hop
	fixedScanChannel uint8 // 0 = rotate
	beaconCadence    uint64
	localID          uint64
}

// NewScheduler binds a scheduler to its role and active schedule.
func NewScheduler(role Role, sched *Schedule, localID uint64, fixedChannel, fixedScanChannel uint8, beaconCadence uint64) *Scheduler {
	if beaconCadence == 0 {
		beaconCadence = defaultBeaconCadence
	}
	return &Scheduler{
		role:             role,
		sched:            sched,
		fixedChannel:     fixedChannel,
		fixedScanChannel: fixedScanChannel,
		beaconCadence:    beaconCadence,
		localID:          localID,
	}
}

// Channel derives the physical channel for a slot from the hop pattern,
// unless a fixed channel overrides hopping.
func (sc *Scheduler) Channel(asn uint64, offset uint8) uint8 {
	if sc.fixedChannel != 0 {
		return sc.fixedChannel
	}
	return hopTable[((hopBase^asn)+uint64(offset))%uint64(len(hopTable))]
}

// ScanChannel is where an unsynchronized node listens during this slot.
func (sc *Scheduler) ScanChannel(asn uint64) uint8 {
	if sc.fixedScanChannel != 0 {
		return sc.fixedScanChannel
	}
	if sc.fixedChannel != 0 {
		return sc.fixedChannel
	}
	return hopTable[(asn/scanDwellSlots)%uint64(len(hopTable))]
}

// NextSlot decides the action for the slot at asn. For nodes the decision
// consults (and advances) the association state: the contention backoff
// counter is decremented when a shared cell passes.
func (sc *Scheduler) NextSlot(asn uint64, node *NodeAssoc, txq *TxQueue) SlotInfo {
	offset := sc.sched.SlotOffset(asn)
	cell := sc.sched.SlotAt(offset)
	info := SlotInfo{
		Channel:   sc.Channel(asn, cell.ChannelOffset),
		Type:      cell.Type,
		CellIndex: offset,
	}

	if sc.role == RoleGateway {
		switch cell.Type {
		case CellBeacon:
			info.Action = ActionTx
		case CellShared:
			info.Action = ActionRx
		case CellDownlink:
			if txq != nil && txq.Len() > 0 {
				info.Action = ActionTx
			} else {
				info.Action = ActionSleep
			}
		case CellUplink:
			info.Action = ActionRx
		}
		return info
	}

	if node == nil || !node.Synchronized() {
		info.Action = ActionRx
		info.Channel = sc.ScanChannel(asn)
		info.Type = CellBeacon
		return info
	}

	switch cell.Type {
	case CellBeacon:
		// Opportunistic re-sync on any beacon, mandatory every Nth
		// schedule cycle. Both come out as a listen.
		info.Action = ActionRx
	case CellShared:
		if node.shouldTxShared() {
			info.Action = ActionTx
		} else {
			info.Action = ActionSleep
		}
	case CellDownlink:
		info.Action = ActionRx
	case CellUplink:
		if cell.Assignee == sc.localID && (txq.Len() > 0 || node.keepaliveDue(asn)) {
			info.Action = ActionTx
		} else {
			info.Action = ActionSleep
		}
	}
	return info
}
