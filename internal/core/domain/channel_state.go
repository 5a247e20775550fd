package domain

import "time"

// ChannelState is the persisted snapshot of an established secure channel.
// IdentityKeys and RatchetState are opaque blobs produced by the session.
type ChannelState struct {
	ConnectionID  uint32
	IdentityKeys  []byte
	RatchetState  []byte
	PeerHandshake []byte
	UpdatedAt     time.Time
}

// Key returns the durable-store key for this snapshot.
func (s ChannelState) Key() string {
	return ConnectionKey(s.ConnectionID)
}

// IsZero reports whether the snapshot carries no session material.
func (s ChannelState) IsZero() bool {
	return len(s.IdentityKeys) == 0 && len(s.RatchetState) == 0
}
