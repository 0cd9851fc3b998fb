// Package hostlink frames the gateway-to-host mailbox byte stream: one-byte
// record type, little-endian fields, data frames length-prefixed. The
// transport underneath (UART, TCP, pipe) is supplied by the caller.
package hostlink

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Record types on the host boundary.
const (
	TypeNodeJoined  = 1
	TypeNodeLeft    = 2
	TypeData        = 3
	TypeKeepalive   = 4
	TypeGatewayInfo = 5
)

// MaxDataLen bounds a forwarded radio frame.
const MaxDataLen = 255

// ErrUnsupported marks inbound records the radio side refuses: only data is
// accepted from the host.
var ErrUnsupported = errors.New("unsupported host record")

// Record is one decoded host-boundary record.
type Record struct {
	Type       uint8
	NodeID     uint64
	DeviceID   uint64
	NetworkID  uint16
	ScheduleID uint8
	Frame      []byte
}

// Encoder writes records to the host transport.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps a transport writer.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) writeID(t uint8, id uint64) error {
	var buf [9]byte
	buf[0] = t
	binary.LittleEndian.PutUint64(buf[1:], id)
	_, err := e.w.Write(buf[:])
	return err
}

// NodeJoined reports an admission.
func (e *Encoder) NodeJoined(id uint64) error { return e.writeID(TypeNodeJoined, id) }

// NodeLeft reports an eviction or timeout.
func (e *Encoder) NodeLeft(id uint64) error { return e.writeID(TypeNodeLeft, id) }

// Keepalive reports a liveness uplink.
func (e *Encoder) Keepalive(id uint64) error { return e.writeID(TypeKeepalive, id) }

// Data forwards a radio frame to the host.
func (e *Encoder) Data(frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxDataLen {
		return fmt.Errorf("data record length %d out of range", len(frame))
	}
	buf := make([]byte, 2+len(frame))
	buf[0] = TypeData
	buf[1] = uint8(len(frame))
	copy(buf[2:], frame)
	_, err := e.w.Write(buf)
	return err
}

// GatewayInfo announces the gateway identity to the host.
func (e *Encoder) GatewayInfo(deviceID uint64, networkID uint16, scheduleID uint8) error {
	var buf [12]byte
	buf[0] = TypeGatewayInfo
	binary.LittleEndian.PutUint64(buf[1:9], deviceID)
	binary.LittleEndian.PutUint16(buf[9:11], networkID)
	buf[11] = scheduleID
	_, err := e.w.Write(buf[:])
	return err
}

// Decoder reads records from the host transport.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a transport reader.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReader(r)} }

// Next reads one record. Inbound streams from the host only legitimately
// carry data records; other types decode but are flagged with
// ErrUnsupported so the caller can report them.
func (d *Decoder) Next() (Record, error) {
	t, err := d.r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	switch t {
	case TypeNodeJoined, TypeNodeLeft, TypeKeepalive:
		var buf [8]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return Record{}, err
		}
		return Record{Type: t, NodeID: binary.LittleEndian.Uint64(buf[:])}, nil
	case TypeData:
		n, err := d.r.ReadByte()
		if err != nil {
			return Record{}, err
		}
		if n == 0 {
			return Record{}, fmt.Errorf("empty data record")
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(d.r, frame); err != nil {
			return Record{}, err
		}
		return Record{Type: t, Frame: frame}, nil
	case TypeGatewayInfo:
		var buf [11]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return Record{}, err
		}
		return Record{
			Type:       t,
			DeviceID:   binary.LittleEndian.Uint64(buf[0:8]),
			NetworkID:  binary.LittleEndian.Uint16(buf[8:10]),
			ScheduleID: buf[10],
		}, nil
	}
	return Record{Type: t}, fmt.Errorf("%w: type %d", ErrUnsupported, t)
}

// NextInbound reads a record from the host and enforces the inbound policy:
// only data records pass.
func (d *Decoder) NextInbound() (Record, error) {
	rec, err := d.Next()
	if err != nil {
		return rec, err
	}
	if rec.Type != TypeData {
		return rec, fmt.Errorf("%w: type %d", ErrUnsupported, rec.Type)
	}
	return rec, nil
}
