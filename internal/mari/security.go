package mari

// Security is the join-time handshake collaborator. The radio layer carries
// its messages opaquely, tagged with the sentinel byte on the wire.
type Security interface {
	// PrepareJoinMaterial returns the blob to attach to an outgoing
	// join-request, or nil for a plain join.
	PrepareJoinMaterial() []byte
	// ConsumeJoinMaterial receives the blob from an incoming join-request.
	ConsumeJoinMaterial(blob []byte) error
}

// NopSecurity joins without a handshake.
type NopSecurity struct{}

func (NopSecurity) PrepareJoinMaterial() []byte           { return nil }
func (NopSecurity) ConsumeJoinMaterial(blob []byte) error { return nil }
