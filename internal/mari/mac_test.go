package mari_test

import (
	"testing"

	"github.com/dbehnke/mari-nexus/internal/mari"
	"github.com/dbehnke/mari-nexus/internal/radio"
)

// testChannel pins every runtime to one channel so scan finds the gateway
// immediately; channel-hopping itself is covered by the scheduler tests.
const testChannel = 5

type simEvents struct {
	events []mari.Event
}

func (se *simEvents) handler() mari.EventHandler {
	return func(ev mari.Event) { se.events = append(se.events, ev) }
}

func (se *simEvents) count(kind mari.EventKind, tag mari.EventTag) int {
	n := 0
	for _, ev := range se.events {
		if ev.Kind == kind && (tag == mari.TagNone || ev.Tag == tag) {
			n++
		}
	}
	return n
}

func (se *simEvents) last(kind mari.EventKind) *mari.Event {
	for i := len(se.events) - 1; i >= 0; i-- {
		if se.events[i].Kind == kind {
			return &se.events[i]
		}
	}
	return nil
}

type sim struct {
	medium   *radio.Medium
	runtimes []*mari.Runtime
}

func (s *sim) step(n int) {
	for ; n > 0; n-- {
		s.medium.BeginSlot()
		for _, rt := range s.runtimes {
			rt.SlotStart()
		}
		for _, rt := range s.runtimes {
			rt.SlotEnd()
		}
	}
}

func simConfig(role mari.Role, id uint64) mari.Config {
	cfg := mari.DefaultConfig()
	cfg.Role = role
	cfg.DeviceID = id
	cfg.NetworkID = 1
	cfg.FixedChannel = testChannel
	cfg.PeerLostTimeoutSlots = 30
	cfg.OutOfSyncSlots = 40
	cfg.JoinResponseSlots = 10
	cfg.BloomMissThreshold = 3
	cfg.KeepalivePeriodSlots = 10
	return cfg
}

func newSimPair(t *testing.T, nodeIDs ...uint64) (*sim, *simEvents, []*simEvents) {
	t.Helper()
	medium := radio.NewMedium()
	gwEvents := &simEvents{}
	gw, err := mari.NewRuntime(simConfig(mari.RoleGateway, 1), mari.ScheduleMinuscule(), medium.NewRadio(), nil, gwEvents.handler(), nil)
	if err != nil {
		t.Fatalf("gateway runtime: %v", err)
	}
	s := &sim{medium: medium, runtimes: []*mari.Runtime{gw}}
	var nodeEvents []*simEvents
	for _, id := range nodeIDs {
		ne := &simEvents{}
		node, err := mari.NewRuntime(simConfig(mari.RoleNode, id), mari.ScheduleMinuscule(), medium.NewRadio(), nil, ne.handler(), nil)
		if err != nil {
			t.Fatalf("node runtime: %v", err)
		}
		s.runtimes = append(s.runtimes, node)
		nodeEvents = append(nodeEvents, ne)
	}
	return s, gwEvents, nodeEvents
}

func (s *sim) gateway() *mari.Runtime { return s.runtimes[0] }

func stepUntil(t *testing.T, s *sim, max int, cond func() bool, what string) {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return
		}
		s.step(1)
	}
	if !cond() {
		t.Fatalf("%s did not happen within %d slots", what, max)
	}
}

func TestJoinHappyPath(t *testing.T) {
	s, gwEvents, nodeEvents := newSimPair(t, 0xAA)
	node := s.runtimes[1]

	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	if nodeEvents[0].count(mari.EventConnected, mari.TagNone) != 1 {
		t.Fatalf("node should emit Connected exactly once, events: %+v", nodeEvents[0].events)
	}
	joined := gwEvents.last(mari.EventNodeJoined)
	if joined == nil || joined.NodeID != 0xAA {
		t.Fatalf("gateway should emit NodeJoined for 0xAA")
	}

	// the next beacon's digest carries the new member
	var digest [mari.BloomBytes]byte
	if _, err := s.gateway().BloomSnapshot(digest[:]); err != nil {
		t.Fatalf("bloom snapshot: %v", err)
	}
	if !mari.BloomContains(digest[:], 0xAA) {
		t.Fatalf("digest missing the admitted node")
	}

	peers := s.gateway().GatewayPeers()
	if len(peers) != 1 || peers[0].ID != 0xAA || peers[0].CellIndex != 4 {
		t.Fatalf("unexpected association table: %+v", peers)
	}
}

func TestGatewayFullContention(t *testing.T) {
	// One uplink cell, two joiners: exactly one wins, the loser re-arms.
	s, _, nodeEvents := newSimPair(t, 0xAA, 0xBB)
	nodeA, nodeB := s.runtimes[1], s.runtimes[2]

	stepUntil(t, s, 600, func() bool {
		return nodeA.NodeState() == mari.StateConnected || nodeB.NodeState() == mari.StateConnected
	}, "first join")
	s.step(100)

	connected := 0
	var loser *simEvents
	var loserRT *mari.Runtime
	if nodeA.NodeState() == mari.StateConnected {
		connected++
		loser, loserRT = nodeEvents[1], nodeB
	}
	if nodeB.NodeState() == mari.StateConnected {
		connected++
		loser, loserRT = nodeEvents[0], nodeA
	}
	if connected != 1 {
		t.Fatalf("expected exactly one connected node, got %d", connected)
	}
	if loserRT.NodeState() != mari.StateJoining {
		t.Fatalf("loser should keep joining, got %v", loserRT.NodeState())
	}
	if loser.count(mari.EventError, mari.TagGatewayFull) == 0 {
		t.Fatalf("loser should observe a gateway-full response")
	}
}

func TestPeerLostTimeout(t *testing.T) {
	s, gwEvents, _ := newSimPair(t, 0xAA)
	node := s.runtimes[1]
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	// node falls silent: tick only the gateway past the timeout
	s.runtimes = s.runtimes[:1]
	s.step(45)

	left := gwEvents.last(mari.EventNodeLeft)
	if left == nil || left.Tag != mari.TagPeerLostTimeout || left.NodeID != 0xAA {
		t.Fatalf("expected NodeLeft/PeerLostTimeout, got %+v", left)
	}
	if len(s.gateway().GatewayPeers()) != 0 {
		t.Fatalf("association table should be empty")
	}
	var digest [mari.BloomBytes]byte
	s.gateway().BloomSnapshot(digest[:])
	if mari.BloomContains(digest[:], 0xAA) {
		t.Fatalf("digest should drop the lost node (sole member, no false positive)")
	}
}

func TestBloomDrivenEviction(t *testing.T) {
	s, gwEvents, nodeEvents := newSimPair(t, 0xAA)
	node := s.runtimes[1]
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	s.gateway().EvictNode(0xAA)
	stepUntil(t, s, 100, func() bool {
		return nodeEvents[0].count(mari.EventDisconnected, mari.TagPeerLostBloom) > 0
	}, "bloom self-eviction")

	left := gwEvents.last(mari.EventNodeLeft)
	if left == nil || left.Tag != mari.TagHandover {
		t.Fatalf("admin eviction should be tagged Handover, got %+v", left)
	}
}

func TestOutOfSyncRecovery(t *testing.T) {
	s, _, nodeEvents := newSimPair(t, 0xAA)
	node := s.runtimes[1]
	gw := s.gateway()
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	// gateway goes dark
	s.runtimes = []*mari.Runtime{node}
	s.step(50)
	if nodeEvents[0].count(mari.EventDisconnected, mari.TagOutOfSync) == 0 {
		t.Fatalf("node should disconnect out-of-sync")
	}
	if node.NodeState() != mari.StateScanning {
		t.Fatalf("node should rescan, got %v", node.NodeState())
	}

	// gateway returns; node rejoins
	s.runtimes = []*mari.Runtime{gw, node}
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "rejoin")
	if nodeEvents[0].count(mari.EventConnected, mari.TagNone) != 2 {
		t.Fatalf("expected a second Connected event")
	}
}

func TestKeepalivePath(t *testing.T) {
	s, gwEvents, _ := newSimPair(t, 0xAA)
	node := s.runtimes[1]
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	var before [mari.BloomBytes]byte
	s.gateway().BloomSnapshot(before[:])
	kaBefore := gwEvents.count(mari.EventKeepalive, mari.TagNone)

	s.step(60) // several keepalive periods, no data queued

	kaAfter := gwEvents.count(mari.EventKeepalive, mari.TagNone)
	if kaAfter <= kaBefore {
		t.Fatalf("gateway should observe keepalives")
	}
	if gwEvents.count(mari.EventNodeLeft, mari.TagNone) != 0 {
		t.Fatalf("keepalives should keep the node alive")
	}
	var after [mari.BloomBytes]byte
	s.gateway().BloomSnapshot(after[:])
	if before != after {
		t.Fatalf("keepalives must not change the digest")
	}
	peers := s.gateway().GatewayPeers()
	if len(peers) != 1 || peers[0].LastHeardASN+2*10 < s.gateway().ASN() {
		t.Fatalf("last-heard not refreshed: %+v asn=%d", peers, s.gateway().ASN())
	}
}

func TestDownlinkDataPath(t *testing.T) {
	// tiny schedule has a downlink cell; host-injected data reaches the node
	medium := radio.NewMedium()
	gwEvents := &simEvents{}
	gwCfg := simConfig(mari.RoleGateway, 1)
	gw, err := mari.NewRuntime(gwCfg, mari.ScheduleTiny(), medium.NewRadio(), nil, gwEvents.handler(), nil)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ne := &simEvents{}
	node, err := mari.NewRuntime(simConfig(mari.RoleNode, 0xAA), mari.ScheduleTiny(), medium.NewRadio(), nil, ne.handler(), nil)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	s := &sim{medium: medium, runtimes: []*mari.Runtime{gw, node}}

	stepUntil(t, s, 600, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	if err := gw.EnqueueData(0xAA, []byte("ping")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stepUntil(t, s, 50, func() bool { return ne.count(mari.EventNewPacket, mari.TagNone) > 0 }, "downlink delivery")
	pkt := ne.last(mari.EventNewPacket)
	if string(pkt.Payload) != "ping" {
		t.Fatalf("payload mismatch: %q", pkt.Payload)
	}
}

func TestUplinkDataPath(t *testing.T) {
	s, gwEvents, _ := newSimPair(t, 0xAA)
	node := s.runtimes[1]
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	if err := node.EnqueueData(1, []byte("Hello")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stepUntil(t, s, 50, func() bool { return gwEvents.count(mari.EventNewPacket, mari.TagNone) > 0 }, "uplink delivery")
	pkt := gwEvents.last(mari.EventNewPacket)
	if string(pkt.Payload) != "Hello" || pkt.NodeID != 0xAA {
		t.Fatalf("unexpected packet event: %+v", pkt)
	}
}

func TestASNMonotonicAndAligned(t *testing.T) {
	s, _, _ := newSimPair(t, 0xAA)
	node := s.runtimes[1]
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	prev := s.gateway().ASN()
	for i := 0; i < 50; i++ {
		s.step(1)
		asn := s.gateway().ASN()
		if asn != prev+1 {
			t.Fatalf("gateway ASN jumped %d -> %d", prev, asn)
		}
		if node.ASN() != asn {
			t.Fatalf("node ASN %d diverged from gateway %d", node.ASN(), asn)
		}
		prev = asn
	}
}

func TestSingleTransmitterOutsideContention(t *testing.T) {
	s, _, _ := newSimPair(t, 0xAA)
	node := s.runtimes[1]
	stepUntil(t, s, 300, func() bool { return node.NodeState() == mari.StateConnected }, "join")

	sched := s.gateway().Schedule()
	for i := 0; i < 60; i++ {
		s.step(1)
		offset := sched.SlotOffset(s.gateway().ASN())
		if sched.SlotAt(offset).Type == mari.CellShared {
			continue
		}
		if n := s.medium.TxCount(testChannel); n > 1 {
			t.Fatalf("slot offset %d (%c): %d transmitters", offset, sched.SlotAt(offset).Type, n)
		}
	}
}

func TestCountersAccumulate(t *testing.T) {
	s, _, _ := newSimPair(t, 0xAA)
	s.step(20)
	c := s.gateway().CountersSnapshot()
	if c.TxFrames == 0 {
		t.Fatalf("gateway should have transmitted beacons: %+v", c)
	}
}
