package radio

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/dbehnke/mari-nexus/internal/mari"
	"go.uber.org/zap"
)

// UDPRadio carries frames between processes over UDP, one datagram per
// frame, prefixed with the simulated channel byte. It binds a local port and
// sends every transmission to the configured peer addresses; reception is
// filtered by the armed state and tuned channel, like the real PHY.
type UDPRadio struct {
	listenAddr string
	peers      []string
	log        *zap.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	peerAddrs []*net.UDPAddr
	channel   uint8
	rxEnabled bool

	frames chan mari.RxFrame
}

var _ mari.Radio = (*UDPRadio)(nil)

// NewUDPRadio creates a radio bound to listenAddr that transmits to peers.
func NewUDPRadio(listenAddr string, peers []string, log *zap.Logger) *UDPRadio {
	if log == nil {
		log = zap.NewNop()
	}
	return &UDPRadio{
		listenAddr: listenAddr,
		peers:      peers,
		log:        log,
		frames:     make(chan mari.RxFrame, 64),
	}
}

// Start binds the socket and runs the read loop until ctx is done,
// rebinding with backoff on failure.
func (u *UDPRadio) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", u.listenAddr)
	if err != nil {
		return err
	}
	for _, p := range u.peers {
		pa, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return err
		}
		u.peerAddrs = append(u.peerAddrs, pa)
	}

	go func() {
		backoff := time.Second
		for ctx.Err() == nil {
			conn, err := net.ListenUDP("udp", addr)
			if err != nil {
				u.log.Warn("udp bind failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			u.mu.Lock()
			u.conn = conn
			u.mu.Unlock()
			u.log.Info("udp radio listening", zap.String("addr", u.listenAddr))

			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			u.readLoop(conn)
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

func (u *UDPRadio) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 2+mari.MaxFrameSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 2 {
			continue
		}
		ch := buf[0]
		u.mu.Lock()
		armed := u.rxEnabled && u.channel == ch
		u.mu.Unlock()
		if !armed {
			continue
		}
		data := make([]byte, n-1)
		copy(data, buf[1:n])
		select {
		case u.frames <- mari.RxFrame{Data: data, Channel: ch, RSSI: -60}:
		default:
		}
	}
}

// SetChannel tunes the radio.
func (u *UDPRadio) SetChannel(ch uint8) {
	u.mu.Lock()
	u.channel = ch
	u.mu.Unlock()
}

// Tx sends the frame to every peer, tagged with the current channel.
func (u *UDPRadio) Tx(frame []byte) error {
	u.mu.Lock()
	conn := u.conn
	ch := u.channel
	u.mu.Unlock()
	if conn == nil {
		return mari.ErrRadioBusy
	}
	pkt := make([]byte, 1+len(frame))
	pkt[0] = ch
	copy(pkt[1:], frame)
	for _, pa := range u.peerAddrs {
		if _, err := conn.WriteToUDP(pkt, pa); err != nil {
			u.log.Debug("udp tx failed", zap.String("peer", pa.String()), zap.Error(err))
		}
	}
	return nil
}

// RxEnable arms reception.
func (u *UDPRadio) RxEnable() {
	u.mu.Lock()
	u.rxEnabled = true
	u.mu.Unlock()
}

// Disable idles the radio.
func (u *UDPRadio) Disable() {
	u.mu.Lock()
	u.rxEnabled = false
	u.mu.Unlock()
}

// Frames returns the reception channel.
func (u *UDPRadio) Frames() <-chan mari.RxFrame { return u.frames }
