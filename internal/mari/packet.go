package mari

import (
	"encoding/binary"
	"fmt"
)

// Wire format constants. All multi-byte fields are little-endian and packed;
// serialization is explicit byte-wise so the layout never depends on Go
// struct alignment.
const (
	ProtocolVersion = 2

	// MaxFrameSize bounds every frame on the air.
	MaxFrameSize = 255

	headerLen       = 21 // version + type + network_id + dst + src + rssi
	beaconBaseLen   = 22 // version + type + network_id + asn + src + capacity + schedule_id
	joinResponseLen = headerLen + 2

	// SecuritySentinel tags an opaque security handshake blob inside a
	// join-request payload.
	SecuritySentinel = 0xF5

	// NetworkWildcard matches any network id during scan.
	NetworkWildcard uint16 = 0
)

// FrameType identifies the on-wire frame kind.
type FrameType uint8

const (
	FrameBeacon       FrameType = 1
	FrameJoinRequest  FrameType = 2
	FrameJoinResponse FrameType = 4
	FrameKeepalive    FrameType = 8
	FrameData         FrameType = 16
)

func (t FrameType) String() string {
	switch t {
	case FrameBeacon:
		return "beacon"
	case FrameJoinRequest:
		return "join-request"
	case FrameJoinResponse:
		return "join-response"
	case FrameKeepalive:
		return "keepalive"
	case FrameData:
		return "data"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// JoinStatus is carried in a join-response.
type JoinStatus uint8

const (
	JoinOK   JoinStatus = 0
	JoinFull JoinStatus = 1
)

// Header is the common data/control frame header.
type Header struct {
	Version   uint8
	Type      FrameType
	NetworkID uint16
	Dst       uint64
	Src       uint64
	RSSI      int8
}

// Frame is any parsed frame.
type Frame interface {
	frameType() FrameType
}

// Beacon is the gateway-originated synchronization frame. Bloom is either
// nil (digest not yet available) or exactly BloomBytes long.
type Beacon struct {
	Version           uint8
	NetworkID         uint16
	ASN               uint64
	Src               uint64
	RemainingCapacity uint8
	ScheduleID        uint8
	Bloom             []byte
}

func (*Beacon) frameType() FrameType { return FrameBeacon }

// JoinRequest carries an optional opaque security blob.
type JoinRequest struct {
	Header
	Security []byte
}

func (*JoinRequest) frameType() FrameType { return FrameJoinRequest }

// JoinResponse carries the admission verdict and, on success, the index of
// the uplink cell granted to the node.
type JoinResponse struct {
	Header
	Status    JoinStatus
	CellIndex uint8
}

func (*JoinResponse) frameType() FrameType { return FrameJoinResponse }

// Keepalive is an empty-payload liveness uplink.
type Keepalive struct {
	Header
}

func (*Keepalive) frameType() FrameType { return FrameKeepalive }

// Data carries an application payload.
type Data struct {
	Header
	Payload []byte
}

func (*Data) frameType() FrameType { return FrameData }

func putHeader(buf []byte, h *Header) {
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.LittleEndian.PutUint16(buf[2:4], h.NetworkID)
	binary.LittleEndian.PutUint64(buf[4:12], h.Dst)
	binary.LittleEndian.PutUint64(buf[12:20], h.Src)
	buf[20] = uint8(h.RSSI)
}

func getHeader(buf []byte) Header {
	return Header{
		Version:   buf[0],
		Type:      FrameType(buf[1]),
		NetworkID: binary.LittleEndian.Uint16(buf[2:4]),
		Dst:       binary.LittleEndian.Uint64(buf[4:12]),
		Src:       binary.LittleEndian.Uint64(buf[12:20]),
		RSSI:      int8(buf[20]),
	}
}

// BuildBeacon encodes b into buf and returns the number of bytes written.
func BuildBeacon(buf []byte, b *Beacon) (int, error) {
	n := beaconBaseLen
	if b.Bloom != nil {
		if len(b.Bloom) != BloomBytes {
			return 0, fmt.Errorf("%w: bloom digest must be %d bytes, got %d", ErrBadFrame, BloomBytes, len(b.Bloom))
		}
		n += BloomBytes
	}
	if len(buf) < n {
		return 0, fmt.Errorf("%w: beacon needs %d bytes, buffer has %d", ErrBadFrame, n, len(buf))
	}
	buf[0] = b.Version
	buf[1] = uint8(FrameBeacon)
	binary.LittleEndian.PutUint16(buf[2:4], b.NetworkID)
	binary.LittleEndian.PutUint64(buf[4:12], b.ASN)
	binary.LittleEndian.PutUint64(buf[12:20], b.Src)
	buf[20] = b.RemainingCapacity
	buf[21] = b.ScheduleID
	if b.Bloom != nil {
		copy(buf[beaconBaseLen:n], b.Bloom)
	}
	return n, nil
}

// BuildJoinRequest encodes a join-request. security may be nil; when present
// it is prefixed with the sentinel byte and carried opaquely.
func BuildJoinRequest(buf []byte, h *Header, security []byte) (int, error) {
	n := headerLen
	if len(security) > 0 {
		n += 1 + len(security)
	}
	if n > MaxFrameSize || len(buf) < n {
		return 0, fmt.Errorf("%w: join-request needs %d bytes, buffer has %d", ErrBadFrame, n, len(buf))
	}
	hdr := *h
	hdr.Type = FrameJoinRequest
	putHeader(buf, &hdr)
	if len(security) > 0 {
		buf[headerLen] = SecuritySentinel
		copy(buf[headerLen+1:n], security)
	}
	return n, nil
}

// BuildJoinResponse encodes a join-response.
func BuildJoinResponse(buf []byte, h *Header, status JoinStatus, cellIndex uint8) (int, error) {
	if len(buf) < joinResponseLen {
		return 0, fmt.Errorf("%w: join-response needs %d bytes, buffer has %d", ErrBadFrame, joinResponseLen, len(buf))
	}
	hdr := *h
	hdr.Type = FrameJoinResponse
	putHeader(buf, &hdr)
	buf[headerLen] = uint8(status)
	buf[headerLen+1] = cellIndex
	return joinResponseLen, nil
}

// BuildKeepalive encodes an empty-payload keepalive.
func BuildKeepalive(buf []byte, h *Header) (int, error) {
	if len(buf) < headerLen {
		return 0, fmt.Errorf("%w: keepalive needs %d bytes, buffer has %d", ErrBadFrame, headerLen, len(buf))
	}
	hdr := *h
	hdr.Type = FrameKeepalive
	putHeader(buf, &hdr)
	return headerLen, nil
}

// BuildData encodes a data frame with the given payload.
func BuildData(buf []byte, h *Header, payload []byte) (int, error) {
	n := headerLen + len(payload)
	if n > MaxFrameSize {
		return 0, fmt.Errorf("%w: data frame of %d bytes exceeds max %d", ErrBadFrame, n, MaxFrameSize)
	}
	if len(buf) < n {
		return 0, fmt.Errorf("%w: data frame needs %d bytes, buffer has %d", ErrBadFrame, n, len(buf))
	}
	hdr := *h
	hdr.Type = FrameData
	putHeader(buf, &hdr)
	copy(buf[headerLen:n], payload)
	return n, nil
}

// Parse decodes a raw frame. localNet filters by exact network id match;
// pass NetworkWildcard to accept any network (scan). Slices in the returned
// frame alias buf and must be copied by consumers that outlive the slot.
func Parse(buf []byte, localNet uint16) (Frame, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: truncated at %d bytes", ErrBadFrame, len(buf))
	}
	if buf[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadFrame, buf[0])
	}
	ft := FrameType(buf[1])
	if ft == FrameBeacon {
		return parseBeacon(buf, localNet)
	}
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: %s truncated at %d bytes", ErrBadFrame, ft, len(buf))
	}
	h := getHeader(buf)
	if localNet != NetworkWildcard && h.NetworkID != localNet {
		return nil, fmt.Errorf("%w: got %d want %d", ErrWrongNetwork, h.NetworkID, localNet)
	}
	switch ft {
	case FrameJoinRequest:
		req := &JoinRequest{Header: h}
		payload := buf[headerLen:]
		if len(payload) > 0 {
			if payload[0] != SecuritySentinel || len(payload) < 2 {
				return nil, fmt.Errorf("%w: malformed join-request payload", ErrBadFrame)
			}
			req.Security = payload[1:]
		}
		return req, nil
	case FrameJoinResponse:
		if len(buf) != joinResponseLen {
			return nil, fmt.Errorf("%w: join-response length %d", ErrBadFrame, len(buf))
		}
		status := JoinStatus(buf[headerLen])
		if status != JoinOK && status != JoinFull {
			return nil, fmt.Errorf("%w: join-response status %d", ErrBadFrame, status)
		}
		return &JoinResponse{Header: h, Status: status, CellIndex: buf[headerLen+1]}, nil
	case FrameKeepalive:
		if len(buf) != headerLen {
			return nil, fmt.Errorf("%w: keepalive length %d", ErrBadFrame, len(buf))
		}
		return &Keepalive{Header: h}, nil
	case FrameData:
		return &Data{Header: h, Payload: buf[headerLen:]}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %d", ErrBadFrame, uint8(ft))
}

func parseBeacon(buf []byte, localNet uint16) (Frame, error) {
	if len(buf) != beaconBaseLen && len(buf) != beaconBaseLen+BloomBytes {
		return nil, fmt.Errorf("%w: beacon length %d", ErrBadFrame, len(buf))
	}
	b := &Beacon{
		Version:           buf[0],
		NetworkID:         binary.LittleEndian.Uint16(buf[2:4]),
		ASN:               binary.LittleEndian.Uint64(buf[4:12]),
		Src:               binary.LittleEndian.Uint64(buf[12:20]),
		RemainingCapacity: buf[20],
		ScheduleID:        buf[21],
	}
	if localNet != NetworkWildcard && b.NetworkID != localNet {
		return nil, fmt.Errorf("%w: got %d want %d", ErrWrongNetwork, b.NetworkID, localNet)
	}
	if len(buf) == beaconBaseLen+BloomBytes {
		b.Bloom = buf[beaconBaseLen:]
	}
	return b, nil
}
