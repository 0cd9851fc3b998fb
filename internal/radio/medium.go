// Package radio provides implementations of the PHY contract: a
// slot-synchronous in-memory medium for tests and simulation, and a UDP
// medium for running a gateway and nodes as separate processes.
package radio

import (
	"sync"

	"github.com/dbehnke/mari-nexus/internal/mari"
)

// Medium is a shared broadcast channel connecting SimRadios. Transmissions
// within a slot are held until the slot ends, so a receiver that arms after
// the transmitter acted still hears the frame, matching the sub-slot timing
// (tx_offset vs rx_guard) of real hardware.
type Medium struct {
	mu      sync.Mutex
	radios  []*SimRadio
	pending []airFrame

	// per-slot transmitter accounting, used by tests to check the
	// one-transmitter-per-cell invariant
	slotTx map[uint8][]int
}

type airFrame struct {
	data    []byte
	channel uint8
	src     int
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{slotTx: make(map[uint8][]int)}
}

// NewRadio attaches a new radio to the medium.
func (m *Medium) NewRadio() *SimRadio {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &SimRadio{
		medium: m,
		index:  len(m.radios),
		frames: make(chan mari.RxFrame, 32),
	}
	m.radios = append(m.radios, r)
	return r
}

// BeginSlot discards undelivered frames from the previous slot and resets
// the transmitter accounting.
func (m *Medium) BeginSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = m.pending[:0]
	m.slotTx = make(map[uint8][]int)
}

// TxCount returns how many distinct radios transmitted on channel during the
// current slot.
func (m *Medium) TxCount(channel uint8) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slotTx[channel])
}

func (m *Medium) transmit(src int, channel uint8, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, len(frame))
	copy(data, frame)
	af := airFrame{data: data, channel: channel, src: src}
	if len(m.pending) > 64 {
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, af)

	seen := false
	for _, idx := range m.slotTx[channel] {
		if idx == src {
			seen = true
			break
		}
	}
	if !seen {
		m.slotTx[channel] = append(m.slotTx[channel], src)
	}

	for _, r := range m.radios {
		if r.index == src {
			continue
		}
		r.deliverLocked(af)
	}
}

func (m *Medium) armed(r *SimRadio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, af := range m.pending {
		if af.src == r.index {
			continue
		}
		r.deliverLocked(af)
	}
}

// SimRadio is one participant's radio attached to a Medium.
type SimRadio struct {
	medium *Medium
	index  int

	stateMu   sync.Mutex
	channel   uint8
	rxEnabled bool
	delivered map[*byte]struct{}

	frames chan mari.RxFrame
}

var _ mari.Radio = (*SimRadio)(nil)

// SetChannel tunes the radio.
func (r *SimRadio) SetChannel(ch uint8) {
	r.stateMu.Lock()
	r.channel = ch
	r.stateMu.Unlock()
}

// Tx broadcasts a frame on the current channel.
func (r *SimRadio) Tx(frame []byte) error {
	r.stateMu.Lock()
	ch := r.channel
	r.stateMu.Unlock()
	r.medium.transmit(r.index, ch, frame)
	return nil
}

// RxEnable arms reception; frames already on the air this slot on the tuned
// channel are delivered immediately.
func (r *SimRadio) RxEnable() {
	r.stateMu.Lock()
	r.rxEnabled = true
	r.stateMu.Unlock()
	r.medium.armed(r)
}

// Disable idles the radio.
func (r *SimRadio) Disable() {
	r.stateMu.Lock()
	r.rxEnabled = false
	r.delivered = nil
	r.stateMu.Unlock()
}

// Frames returns the reception channel.
func (r *SimRadio) Frames() <-chan mari.RxFrame { return r.frames }

// deliverLocked hands a frame to this radio if it is armed on the matching
// channel. Called with the medium lock held. Each air frame is delivered at
// most once per arming cycle.
func (r *SimRadio) deliverLocked(af airFrame) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if !r.rxEnabled || r.channel != af.channel {
		return
	}
	if r.delivered == nil {
		r.delivered = make(map[*byte]struct{})
	}
	key := &af.data[0]
	if _, dup := r.delivered[key]; dup {
		return
	}
	r.delivered[key] = struct{}{}
	select {
	case r.frames <- mari.RxFrame{Data: af.data, Channel: af.channel, RSSI: -40}:
	default:
	}
}
