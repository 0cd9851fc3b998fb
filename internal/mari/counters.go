package mari

// Counters accumulates frame-level drop statistics. Frame errors never reach
// the subscriber; they only show up here and in the status API.
type Counters struct {
	RxFrames     uint64 `json:"rx_frames"`
	TxFrames     uint64 `json:"tx_frames"`
	BadFrames    uint64 `json:"bad_frames"`
	WrongNetwork uint64 `json:"wrong_network"`
	NotForUs     uint64 `json:"not_for_us"`
	PeerUnknown  uint64 `json:"peer_unknown"`
	RadioErrors  uint64 `json:"radio_errors"`
}
