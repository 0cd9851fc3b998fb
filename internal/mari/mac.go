package mari

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RxFrame is a frame delivered by the radio with reception metadata.
type RxFrame struct {
	Data    []byte
	Channel uint8
	RSSI    int8
}

// Radio is the PHY contract. Implementations deliver received frames on the
// Frames channel; the runtime drains it once per slot. One action per slot:
// the runtime disables the radio before re-arming it in a new direction.
type Radio interface {
	SetChannel(ch uint8)
	Tx(frame []byte) error
	RxEnable()
	Disable()
	Frames() <-chan RxFrame
}

// SlotDurations is the sub-slot timing discipline. Values come from the
// board support layer; the runtime only uses the derived whole-slot length.
type SlotDurations struct {
	TxOffset time.Duration
	TxMax    time.Duration
	RxGuard  time.Duration
	RxOffset time.Duration
	RxMax    time.Duration
	EndGuard time.Duration
}

// WholeSlot is the slot length: the longer of the tx and rx windows plus the
// end guard where deferred work runs.
func (d SlotDurations) WholeSlot() time.Duration {
	tx := d.TxOffset + d.TxMax
	rx := d.RxGuard + d.RxOffset + d.RxMax
	if rx > tx {
		tx = rx
	}
	return tx + d.EndGuard
}

// DefaultSlotDurations matches the nRF board constants of the reference
// hardware.
func DefaultSlotDurations() SlotDurations {
	return SlotDurations{
		TxOffset: 400 * time.Microsecond,
		TxMax:    1000 * time.Microsecond,
		RxGuard:  200 * time.Microsecond,
		RxOffset: 200 * time.Microsecond,
		RxMax:    1200 * time.Microsecond,
		EndGuard: 200 * time.Microsecond,
	}
}

// Config is the radio-layer configuration.
type Config struct {
	Role             Role
	DeviceID         uint64
	NetworkID        uint16
	FixedChannel     uint8
	FixedScanChannel uint8
	BeaconCadence    uint64

	PeerLostTimeoutSlots uint64
	OutOfSyncSlots       uint64
	JoinResponseSlots    uint64
	BloomMissThreshold   uint64
	KeepalivePeriodSlots uint64

	TxQueueCapacity int
	Slot            SlotDurations
}

// DefaultConfig returns a node config with the reference timeouts.
func DefaultConfig() Config {
	return Config{
		Role:                 RoleNode,
		PeerLostTimeoutSlots: 500,
		OutOfSyncSlots:       250,
		JoinResponseSlots:    20,
		BloomMissThreshold:   3,
		KeepalivePeriodSlots: 100,
		TxQueueCapacity:      16,
		Slot:                 DefaultSlotDurations(),
	}
}

// Runtime drives the slotted state machine. All shared state is mutated from
// the event-loop goroutine; the radio feeds frames through a channel drained
// once per slot, and events are delivered from the slot tail.
//
// A slot runs in two phases. SlotStart advances the ASN and drives the radio
// action; SlotEnd drains receptions, answers join-requests in-slot, and runs
// the deferred work inside the end guard. Run executes both per timer tick;
// simulations interleave the phases across participants so frames exchanged
// within a slot are observed within that slot.
type Runtime struct {
	mu        sync.RWMutex
	cfg       Config
	sched     *Schedule
	scheduler *Scheduler
	bloom     *BloomDigest
	gateway   *GatewayAssoc
	node      *NodeAssoc
	txq       *TxQueue
	events    *eventQueue
	radio     Radio
	sec       Security
	log       *zap.Logger

	asn      uint64
	started  bool
	counters Counters

	enqueue chan []byte
	evict   chan uint64

	txBuf [MaxFrameSize]byte
}

// NewRuntime wires the components for one device. handler receives events
// from the deferred context; logger may be nil.
func NewRuntime(cfg Config, sched *Schedule, radio Radio, sec Security, handler EventHandler, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if sec == nil {
		sec = NopSecurity{}
	}
	r := &Runtime{
		cfg:     cfg,
		sched:   sched,
		bloom:   &BloomDigest{},
		txq:     NewTxQueue(cfg.TxQueueCapacity),
		events:  newEventQueue(handler),
		radio:   radio,
		sec:     sec,
		log:     logger.With(zap.String("role", cfg.Role.String())),
		enqueue: make(chan []byte, 16),
		evict:   make(chan uint64, 4),
	}
	r.scheduler = NewScheduler(cfg.Role, sched, cfg.DeviceID, cfg.FixedChannel, cfg.FixedScanChannel, cfg.BeaconCadence)
	if cfg.Role == RoleGateway {
		r.gateway = newGatewayAssoc(&r.cfg, sched, r.bloom, r.events, r.log)
	} else {
		r.node = newNodeAssoc(&r.cfg, sched, r.events, r.log)
	}
	return r, nil
}

// ASN returns the current absolute slot number.
func (r *Runtime) ASN() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.asn
}

// CountersSnapshot returns a copy of the drop statistics.
func (r *Runtime) CountersSnapshot() Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters
}

// Schedule returns the active schedule.
func (r *Runtime) Schedule() *Schedule { return r.sched }

// Role returns the configured role.
func (r *Runtime) Role() Role { return r.cfg.Role }

// DeviceID returns the local 64-bit device id.
func (r *Runtime) DeviceID() uint64 { return r.cfg.DeviceID }

// NodeState returns the node-side association state (nodes only).
func (r *Runtime) NodeState() NodeState {
	if r.node == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.node.State()
}

// GatewayPeers returns the association table snapshot (gateways only).
func (r *Runtime) GatewayPeers() []PeerRecord {
	if r.gateway == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gateway.Peers()
}

// BloomSnapshot copies the current digest into out (gateways only).
func (r *Runtime) BloomSnapshot(out []byte) (int, error) {
	return r.bloom.Snapshot(out)
}

// EnqueueData builds a data frame to dst and queues it for the next
// transmit opportunity. Safe to call from any goroutine.
func (r *Runtime) EnqueueData(dst uint64, payload []byte) error {
	var buf [MaxFrameSize]byte
	hdr := Header{Version: ProtocolVersion, NetworkID: r.cfg.NetworkID, Dst: dst, Src: r.cfg.DeviceID}
	n, err := BuildData(buf[:], &hdr, payload)
	if err != nil {
		return err
	}
	frame := make([]byte, n)
	copy(frame, buf[:n])
	select {
	case r.enqueue <- frame:
		return nil
	default:
		return ErrRadioBusy
	}
}

// EnqueueFrame queues a pre-built frame (host downlink path).
func (r *Runtime) EnqueueFrame(frame []byte) error {
	f := make([]byte, len(frame))
	copy(f, frame)
	select {
	case r.enqueue <- f:
		return nil
	default:
		return ErrRadioBusy
	}
}

// EvictNode asks the gateway loop to release a node's cell (gateways only).
func (r *Runtime) EvictNode(id uint64) {
	select {
	case r.evict <- id:
	default:
	}
}

// Run ticks the runtime off a wall-clock slot timer until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Slot.WholeSlot())
	defer ticker.Stop()
	r.log.Info("mac running",
		zap.Uint8("schedule", r.sched.ID),
		zap.Int("cells", r.sched.NumCells()),
		zap.Duration("slot", r.cfg.Slot.WholeSlot()))
	for {
		select {
		case <-ctx.Done():
			r.radio.Disable()
			return ctx.Err()
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick executes one whole slot.
func (r *Runtime) Tick() {
	r.SlotStart()
	r.SlotEnd()
}

// SlotStart advances the ASN, picks the slot action and drives the radio.
func (r *Runtime) SlotStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.asn++
	} else {
		r.started = true
	}
	r.drainControl()

	info := r.scheduler.NextSlot(r.asn, r.node, r.txq)
	r.radio.Disable()
	r.radio.SetChannel(info.Channel)

	switch info.Action {
	case ActionTx:
		r.transmit(info)
	case ActionRx:
		r.radio.RxEnable()
	}
}

// SlotEnd drains receptions and runs the slot-tail deferred section. Events
// are delivered outside the state lock so a subscriber can read back into
// the runtime.
func (r *Runtime) SlotEnd() {
	r.mu.Lock()
	r.drainRx()
	r.slotTailLocked()
	r.mu.Unlock()
	r.events.deliver()
}

func (r *Runtime) drainControl() {
	for {
		select {
		case frame := <-r.enqueue:
			r.txq.Add(frame)
		case id := <-r.evict:
			if r.gateway != nil {
				if err := r.gateway.Evict(id, r.asn); err != nil {
					r.counters.PeerUnknown++
				}
			}
		default:
			return
		}
	}
}

func (r *Runtime) transmit(info SlotInfo) {
	var n int
	var err error
	switch {
	case r.cfg.Role == RoleGateway && info.Type == CellBeacon:
		n, err = r.buildBeacon()
	case r.cfg.Role == RoleGateway && info.Type == CellDownlink:
		frame, ok := r.txq.Pop()
		if !ok {
			return
		}
		n = copy(r.txBuf[:], frame)
	case r.cfg.Role == RoleNode && info.Type == CellShared:
		hdr := Header{Version: ProtocolVersion, NetworkID: r.localNet(), Dst: r.node.GatewayID(), Src: r.cfg.DeviceID}
		n, err = BuildJoinRequest(r.txBuf[:], &hdr, r.sec.PrepareJoinMaterial())
		if err == nil {
			r.node.JoinRequestSent(r.asn)
		}
	case r.cfg.Role == RoleNode && info.Type == CellUplink:
		if frame, ok := r.txq.Pop(); ok {
			n = copy(r.txBuf[:], frame)
		} else {
			hdr := Header{Version: ProtocolVersion, NetworkID: r.localNet(), Dst: r.node.GatewayID(), Src: r.cfg.DeviceID}
			n, err = BuildKeepalive(r.txBuf[:], &hdr)
		}
		if err == nil {
			r.node.UplinkSent(r.asn)
		}
	default:
		return
	}
	if err != nil {
		r.counters.RadioErrors++
		r.events.push(Event{Kind: EventError, ASN: r.asn})
		return
	}
	if err := r.radio.Tx(r.txBuf[:n]); err != nil {
		r.counters.RadioErrors++
		r.events.push(Event{Kind: EventError, ASN: r.asn})
		return
	}
	r.counters.TxFrames++
	// A join-request expects its response within the same slot, and the
	// shared slot may carry traffic from other joiners worth hearing.
	if info.Type == CellShared {
		r.radio.RxEnable()
	}
}

func (r *Runtime) buildBeacon() (int, error) {
	b := Beacon{
		Version:           ProtocolVersion,
		NetworkID:         r.cfg.NetworkID,
		ASN:               r.asn,
		Src:               r.cfg.DeviceID,
		RemainingCapacity: r.sched.RemainingCapacity(),
		ScheduleID:        r.sched.ID,
	}
	var digest [BloomBytes]byte
	if _, err := r.bloom.Snapshot(digest[:]); err == nil {
		b.Bloom = digest[:]
	}
	return BuildBeacon(r.txBuf[:], &b)
}

// localNet is the network id frames are filtered (and stamped) with. A node
// configured with the wildcard adopts the network announced by its gateway
// once synchronized.
func (r *Runtime) localNet() uint16 {
	if r.node != nil && r.node.Synchronized() && r.cfg.NetworkID == NetworkWildcard {
		return r.node.NetworkID()
	}
	return r.cfg.NetworkID
}

// drainRx processes every frame the radio captured this slot, in arrival
// order. Pointers into rx buffers do not outlive the slot: event payloads
// are copied at enqueue.
func (r *Runtime) drainRx() {
	for {
		select {
		case f := <-r.radio.Frames():
			r.dispatch(f)
		default:
			return
		}
	}
}

func (r *Runtime) dispatch(f RxFrame) {
	r.counters.RxFrames++
	frame, err := Parse(f.Data, r.localNet())
	if err != nil {
		r.countParseError(err)
		return
	}

	switch fr := frame.(type) {
	case *Beacon:
		if r.node == nil {
			return
		}
		if resync := r.node.HandleBeacon(fr, r.asn); resync {
			r.asn = fr.ASN
		}
	case *JoinRequest:
		if r.gateway == nil {
			return
		}
		if len(fr.Security) > 0 {
			if err := r.sec.ConsumeJoinMaterial(fr.Security); err != nil {
				r.counters.BadFrames++
				return
			}
		}
		n, err := r.gateway.HandleJoinRequest(fr, r.asn, r.txBuf[:])
		if err != nil {
			r.counters.RadioErrors++
			return
		}
		// In-slot response, mirroring a link-layer ack. The armed rx
		// must be dropped before turning the radio around.
		r.radio.Disable()
		if err := r.radio.Tx(r.txBuf[:n]); err != nil {
			r.counters.RadioErrors++
			return
		}
		r.counters.TxFrames++
	case *JoinResponse:
		if r.node == nil {
			return
		}
		if err := r.node.HandleJoinResponse(fr, r.asn); err != nil {
			r.countParseError(err)
		}
	case *Keepalive:
		if r.gateway == nil {
			return
		}
		fr.RSSI = f.RSSI
		if err := r.gateway.HandleKeepalive(fr, r.asn); err != nil {
			r.counters.PeerUnknown++
		}
	case *Data:
		fr.RSSI = f.RSSI
		if r.gateway != nil {
			if err := r.gateway.HandleData(fr, r.asn); err != nil {
				r.counters.PeerUnknown++
			}
			return
		}
		if fr.Dst != r.cfg.DeviceID {
			r.counters.NotForUs++
			return
		}
		r.events.push(Event{Kind: EventNewPacket, NodeID: fr.Src, GatewayID: fr.Src, ASN: r.asn, RSSI: f.RSSI, Payload: fr.Payload})
	}
}

func (r *Runtime) countParseError(err error) {
	switch {
	case errors.Is(err, ErrWrongNetwork):
		r.counters.WrongNetwork++
	case errors.Is(err, ErrNotForUs):
		r.counters.NotForUs++
	default:
		r.counters.BadFrames++
	}
}

// slotTailLocked runs the deferred section inside the end guard: expiry
// sweep, bloom recompute, node timeouts. Nothing here is O(n) over the whole
// schedule in one slot; the sweep is chunked.
func (r *Runtime) slotTailLocked() {
	if r.gateway != nil {
		r.gateway.Sweep(r.asn)
		if r.bloom.Dirty() {
			r.bloom.Recompute(r.sched)
		}
	}
	if r.node != nil {
		r.node.Tick(r.asn)
	}
}
