// Package channel owns the live secure sessions, one per connection id. It
// drives key exchange, restore and resync, persists channel snapshots and
// serializes every cryptographic operation per connection.
package channel

import "github.com/vietddude/securelink/internal/core/domain"

// Session is the cryptographic capability behind one connection. A Session
// is not safe for concurrent use; the Manager serializes calls.
type Session interface {
	// BeginHandshake returns the initiator's key exchange message
	BeginHandshake() ([]byte, error)

	// CompleteHandshake consumes the peer's key exchange message
	CompleteHandshake(peer []byte) error

	// ProduceOutbound encrypts plaintext into an envelope
	ProduceOutbound(plaintext []byte) ([]byte, error)

	// ProcessInbound decrypts an envelope from the peer
	ProcessInbound(envelope []byte) ([]byte, error)

	// ToState serializes identity keys and ratchet state
	ToState() (identity, ratchet []byte, err error)

	// SyncWithRemote fast-forwards local chains to the given lengths
	SyncWithRemote(send, recv uint32) error

	// ChainLengths reports the local send and receive chain lengths
	ChainLengths() (send, recv uint32)

	// Close wipes key material
	Close() error
}

// SessionFactory creates sessions.
type SessionFactory interface {
	NewSession(settings domain.InstanceSettings, connectionID uint32, oneTimeKeys int) (Session, error)
	FromState(state domain.ChannelState) (Session, error)
}
