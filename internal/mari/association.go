package mari

import (
	"math/rand"

	"go.uber.org/zap"
)

// PeerState tracks an admitted node on the gateway side.
type PeerState uint8

const (
	PeerTentative PeerState = iota + 1
	PeerActive
	PeerExpiring
	PeerGone
)

// PeerRecord is the gateway-side association record for one admitted node.
type PeerRecord struct {
	ID           uint64
	State        PeerState
	CellIndex    int
	LastHeardASN uint64
	JoinedASN    uint64
}

// sweepChunk bounds how many uplink cells one slot-tail sweep inspects, so
// expiry work stays O(1) per slot on large schedules.
const sweepChunk = 8

// GatewayAssoc admits nodes into the schedule and evicts silent ones.
type GatewayAssoc struct {
	cfg    *Config
	sched  *Schedule
	bloom  *BloomDigest
	events *eventQueue
	log    *zap.Logger

	peers       map[uint64]*PeerRecord
	sweepCursor int
}

func newGatewayAssoc(cfg *Config, sched *Schedule, bloom *BloomDigest, events *eventQueue, log *zap.Logger) *GatewayAssoc {
	return &GatewayAssoc{
		cfg:    cfg,
		sched:  sched,
		bloom:  bloom,
		events: events,
		log:    log,
		peers:  make(map[uint64]*PeerRecord),
	}
}

// HandleJoinRequest admits the requester if a free uplink cell exists and
// writes the join-response into respBuf for in-slot transmission. The
// response goes out in the same shared slot the request arrived in.
func (ga *GatewayAssoc) HandleJoinRequest(req *JoinRequest, asn uint64, respBuf []byte) (int, error) {
	hdr := Header{
		Version:   ProtocolVersion,
		NetworkID: ga.cfg.NetworkID,
		Dst:       req.Src,
		Src:       ga.cfg.DeviceID,
	}

	if rec, ok := ga.peers[req.Src]; ok {
		// Re-join from a node we still track: refresh and re-confirm
		// its existing cell instead of burning a second one.
		rec.LastHeardASN = asn
		rec.State = PeerActive
		ga.sched.Touch(req.Src, asn)
		return BuildJoinResponse(respBuf, &hdr, JoinOK, uint8(rec.CellIndex))
	}

	idx, err := ga.sched.Assign(req.Src, asn)
	if err != nil {
		ga.log.Debug("join rejected, schedule full", zap.Uint64("node", req.Src))
		return BuildJoinResponse(respBuf, &hdr, JoinFull, 0)
	}

	ga.peers[req.Src] = &PeerRecord{
		ID:           req.Src,
		State:        PeerActive,
		CellIndex:    idx,
		LastHeardASN: asn,
		JoinedASN:    asn,
	}
	ga.bloom.MarkDirty()
	ga.events.push(Event{Kind: EventNodeJoined, NodeID: req.Src, GatewayID: ga.cfg.DeviceID, ASN: asn})
	ga.log.Info("node joined", zap.Uint64("node", req.Src), zap.Int("cell", idx))
	return BuildJoinResponse(respBuf, &hdr, JoinOK, uint8(idx))
}

// HandleKeepalive refreshes liveness for an active peer.
func (ga *GatewayAssoc) HandleKeepalive(ka *Keepalive, asn uint64) error {
	rec, ok := ga.peers[ka.Src]
	if !ok {
		return ErrPeerUnknown
	}
	rec.LastHeardASN = asn
	ga.sched.Touch(ka.Src, asn)
	ga.events.push(Event{Kind: EventKeepalive, NodeID: ka.Src, GatewayID: ga.cfg.DeviceID, ASN: asn, RSSI: ka.RSSI})
	return nil
}

// HandleData refreshes liveness and forwards the payload as an event.
func (ga *GatewayAssoc) HandleData(d *Data, asn uint64) error {
	if rec, ok := ga.peers[d.Src]; ok {
		rec.LastHeardASN = asn
		ga.sched.Touch(d.Src, asn)
	}
	ga.events.push(Event{Kind: EventNewPacket, NodeID: d.Src, GatewayID: ga.cfg.DeviceID, ASN: asn, RSSI: d.RSSI, Payload: d.Payload})
	return nil
}

// Sweep expires peers that have been silent past the configured timeout.
// Called from the slot tail; inspects at most sweepChunk cells per call.
func (ga *GatewayAssoc) Sweep(asn uint64) {
	n := ga.sched.NumCells()
	for i := 0; i < sweepChunk && i < n; i++ {
		idx := (ga.sweepCursor + i) % n
		c := ga.sched.SlotAt(idx)
		if !c.Assigned() {
			continue
		}
		if asn-c.LastHeardASN <= ga.cfg.PeerLostTimeoutSlots {
			continue
		}
		ga.evict(c.Assignee, asn, TagPeerLostTimeout)
	}
	ga.sweepCursor = (ga.sweepCursor + sweepChunk) % n
}

// Evict releases a peer's cell by operator request.
func (ga *GatewayAssoc) Evict(id uint64, asn uint64) error {
	if _, ok := ga.peers[id]; !ok {
		return ErrPeerUnknown
	}
	ga.evict(id, asn, TagHandover)
	return nil
}

func (ga *GatewayAssoc) evict(id uint64, asn uint64, tag EventTag) {
	rec, ok := ga.peers[id]
	if !ok {
		return
	}
	rec.State = PeerExpiring
	if err := ga.sched.Release(id); err != nil {
		ga.log.Warn("release failed", zap.Uint64("node", id), zap.Error(err))
	}
	ga.bloom.MarkDirty()
	ga.events.push(Event{Kind: EventNodeLeft, Tag: tag, NodeID: id, GatewayID: ga.cfg.DeviceID, ASN: asn})
	ga.log.Info("node left", zap.Uint64("node", id), zap.String("reason", tag.String()))
	rec.State = PeerGone
	delete(ga.peers, id)
}

// ActiveCount returns the number of tracked active peers.
func (ga *GatewayAssoc) ActiveCount() int {
	n := 0
	for _, rec := range ga.peers {
		if rec.State == PeerActive {
			n++
		}
	}
	return n
}

// Peers returns a snapshot of the association table.
func (ga *GatewayAssoc) Peers() []PeerRecord {
	out := make([]PeerRecord, 0, len(ga.peers))
	for _, rec := range ga.peers {
		out = append(out, *rec)
	}
	return out
}

// NodeState is the node-side association state.
type NodeState uint8

const (
	StateScanning NodeState = iota + 1
	StateSynchronizing
	StateJoining
	StateConnected
	StateLeaving
)

func (s NodeState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateSynchronizing:
		return "synchronizing"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// NodeAssoc is the node-side state machine: scan for a gateway, validate its
// clock, contend for a slot, then hold the connection while beacons confirm
// membership. All transitions happen at slot boundaries.
type NodeAssoc struct {
	cfg    *Config
	sched  *Schedule
	events *eventQueue
	log    *zap.Logger
	rng    *rand.Rand

	state      NodeState
	gatewayID  uint64
	networkID  uint16
	scheduleID uint8

	lastBeaconASN    uint64
	haveBeacon       bool
	bloomMisses      uint64
	backoffN         uint8
	backoffCounter   int
	awaitingResponse bool
	joinReqASN       uint64
	assignedCell     int
	lastUplinkASN    uint64
	connectedASN     uint64
}

func newNodeAssoc(cfg *Config, sched *Schedule, events *eventQueue, log *zap.Logger) *NodeAssoc {
	// Seeded from the device id so contention runs are reproducible;
	// stands in for the RNG peripheral.
	rng := rand.New(rand.NewSource(int64(cfg.DeviceID)))
	return &NodeAssoc{
		cfg:          cfg,
		sched:        sched,
		events:       events,
		log:          log,
		rng:          rng,
		state:        StateScanning,
		backoffN:     sched.BackoffNMin,
		assignedCell: -1,
	}
}

// State returns the current association state.
func (na *NodeAssoc) State() NodeState { return na.state }

// GatewayID returns the gateway the node is locked onto (0 while scanning).
func (na *NodeAssoc) GatewayID() uint64 { return na.gatewayID }

// NetworkID returns the network the node locked onto during scan.
func (na *NodeAssoc) NetworkID() uint16 { return na.networkID }

// Synchronized reports whether the node trusts a gateway timeline.
func (na *NodeAssoc) Synchronized() bool { return na.state > StateScanning }

// HandleBeacon processes a beacon. The returned resync flag tells the
// runtime to adopt the beacon's ASN as its own.
func (na *NodeAssoc) HandleBeacon(b *Beacon, asn uint64) (resync bool) {
	switch na.state {
	case StateScanning:
		if b.RemainingCapacity == 0 {
			return false
		}
		if b.ScheduleID != na.sched.ID {
			// A gateway running a different schedule shape cannot be
			// followed slot-for-slot.
			return false
		}
		na.gatewayID = b.Src
		na.networkID = b.NetworkID
		na.scheduleID = b.ScheduleID
		na.lastBeaconASN = b.ASN
		na.haveBeacon = true
		na.state = StateSynchronizing
		na.log.Info("gateway found", zap.Uint64("gateway", b.Src), zap.Uint64("asn", b.ASN))
		return true

	case StateSynchronizing:
		if b.Src != na.gatewayID {
			return false
		}
		// The second beacon validates the clock: its ASN must match
		// the locally advanced estimate at slot granularity.
		if b.ASN != asn {
			na.log.Warn("beacon asn mismatch, restarting scan", zap.Uint64("beacon_asn", b.ASN), zap.Uint64("local_asn", asn))
			na.reset()
			return false
		}
		na.lastBeaconASN = asn
		na.state = StateJoining
		na.drawBackoff()
		return false

	case StateJoining, StateConnected:
		if b.Src != na.gatewayID {
			return false
		}
		na.lastBeaconASN = asn
		if na.state == StateConnected && b.Bloom != nil {
			if BloomContains(b.Bloom, na.cfg.DeviceID) {
				na.bloomMisses = 0
			} else {
				na.bloomMisses++
				if na.bloomMisses >= na.cfg.BloomMissThreshold {
					na.leave(asn, TagPeerLostBloom)
				}
			}
		}
	}
	return false
}

// shouldTxShared gates the contention transmission: during the joining
// backoff window each passing shared cell decrements the counter, and the
// join-request goes out when it reaches zero.
func (na *NodeAssoc) shouldTxShared() bool {
	if na.state != StateJoining || na.awaitingResponse {
		return false
	}
	if na.backoffCounter > 0 {
		na.backoffCounter--
		return false
	}
	return true
}

// JoinRequestSent records the transmission so the response timeout can run.
func (na *NodeAssoc) JoinRequestSent(asn uint64) {
	na.awaitingResponse = true
	na.joinReqASN = asn
}

// HandleJoinResponse completes (or re-arms) the join attempt.
func (na *NodeAssoc) HandleJoinResponse(resp *JoinResponse, asn uint64) error {
	if resp.Dst != na.cfg.DeviceID {
		return ErrNotForUs
	}
	if na.state != StateJoining {
		return ErrNotSynchronized
	}
	na.awaitingResponse = false
	if resp.Status == JoinFull {
		na.events.push(Event{Kind: EventError, Tag: TagGatewayFull, NodeID: na.cfg.DeviceID, GatewayID: na.gatewayID, ASN: asn})
		na.backoffGrow()
		na.drawBackoff()
		return nil
	}
	na.assignedCell = int(resp.CellIndex)
	if na.assignedCell < na.sched.NumCells() {
		// Mirror the grant into the local schedule copy so the
		// scheduler recognizes the cell as ours.
		c := na.sched.SlotAt(na.assignedCell)
		c.Assignee = na.cfg.DeviceID
	}
	na.state = StateConnected
	na.connectedASN = asn
	na.bloomMisses = 0
	na.lastUplinkASN = asn
	na.events.push(Event{Kind: EventConnected, NodeID: na.cfg.DeviceID, GatewayID: na.gatewayID, ASN: asn})
	na.log.Info("connected", zap.Uint64("gateway", na.gatewayID), zap.Int("cell", na.assignedCell))
	return nil
}

// Tick runs the node's slot-boundary timeouts.
func (na *NodeAssoc) Tick(asn uint64) {
	if na.state == StateScanning {
		return
	}
	if na.haveBeacon && asn-na.lastBeaconASN > na.cfg.OutOfSyncSlots {
		na.leave(asn, TagOutOfSync)
		return
	}
	if na.state == StateJoining && na.awaitingResponse && asn-na.joinReqASN > na.cfg.JoinResponseSlots {
		na.awaitingResponse = false
		na.backoffGrow()
		na.drawBackoff()
	}
}

// keepaliveDue reports whether the liveness uplink must be sent this slot.
func (na *NodeAssoc) keepaliveDue(asn uint64) bool {
	return na.state == StateConnected && asn-na.lastUplinkASN >= na.cfg.KeepalivePeriodSlots
}

// UplinkSent records an uplink transmission (data or keepalive).
func (na *NodeAssoc) UplinkSent(asn uint64) { na.lastUplinkASN = asn }

func (na *NodeAssoc) drawBackoff() {
	na.backoffCounter = na.rng.Intn(1 << na.backoffN)
}

func (na *NodeAssoc) backoffGrow() {
	if na.backoffN < na.sched.BackoffNMax {
		na.backoffN++
	}
}

func (na *NodeAssoc) leave(asn uint64, tag EventTag) {
	na.state = StateLeaving
	na.events.push(Event{Kind: EventDisconnected, Tag: tag, NodeID: na.cfg.DeviceID, GatewayID: na.gatewayID, ASN: asn})
	na.log.Info("disconnected", zap.String("reason", tag.String()))
	na.reset()
}

func (na *NodeAssoc) reset() {
	if na.assignedCell >= 0 && na.assignedCell < na.sched.NumCells() {
		c := na.sched.SlotAt(na.assignedCell)
		if c.Assignee == na.cfg.DeviceID {
			c.Assignee = 0
		}
	}
	na.state = StateScanning
	na.gatewayID = 0
	na.scheduleID = 0
	na.haveBeacon = false
	na.bloomMisses = 0
	na.backoffN = na.sched.BackoffNMin
	na.backoffCounter = 0
	na.awaitingResponse = false
	na.assignedCell = -1
}
