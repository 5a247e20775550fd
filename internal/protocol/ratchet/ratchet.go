// Package ratchet is the reference channel.Session: an X25519 key agreement
// followed by two symmetric HMAC chains, one per direction, sealing each
// message with ChaCha20-Poly1305 under a single-use key.
package ratchet

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/core/domain"
)

var (
	// ErrDecryptionFailed is wrapped by every inbound failure caused by
	// chain state, so transport classification treats it as a desync.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrChainIndex is returned when a peer index lies beyond MaxSkip.
	ErrChainIndex = errors.New("chain index out of range")

	// ErrHandshakeIncomplete is returned when keys are needed before the handshake finished.
	ErrHandshakeIncomplete = errors.New("handshake incomplete")

	// ErrPeerMismatch is returned when the responder identity is not the pinned key.
	ErrPeerMismatch = errors.New("unauthorized: peer identity mismatch")

	// ErrClosed is returned by every call on a closed session.
	ErrClosed = errors.New("session closed")
)

// MaxSkip bounds how far a chain may be fast-forwarded in one step.
const MaxSkip = 1000

// Factory creates initiator sessions. A nil Rand uses crypto/rand.
type Factory struct {
	Rand io.Reader
}

var _ channel.SessionFactory = Factory{}

func (f Factory) rand() io.Reader {
	if f.Rand == nil {
		return rand.Reader
	}
	return f.Rand
}

// NewSession generates an identity key and oneTimeKeys one-time keys. When
// settings pin a server key, the handshake rejects any other responder.
func (f Factory) NewSession(settings domain.InstanceSettings, connectionID uint32, oneTimeKeys int) (channel.Session, error) {
	identity, err := generateKeyPair(f.rand())
	if err != nil {
		return nil, err
	}
	otks := make([]keyPair, 0, max(oneTimeKeys, 0))
	for range max(oneTimeKeys, 0) {
		kp, err := generateKeyPair(f.rand())
		if err != nil {
			return nil, err
		}
		otks = append(otks, kp)
	}

	s := &Session{
		connID:   connectionID,
		rand:     f.rand(),
		role:     roleInitiator,
		identity: identity,
		oneTime:  otks,
	}
	if len(settings.ServerPublicKey) == keySize {
		s.pinned = true
		copy(s.peerIdentity[:], settings.ServerPublicKey)
	}
	return s, nil
}

// FromState rebuilds a session from its serialized blobs.
func (f Factory) FromState(state domain.ChannelState) (channel.Session, error) {
	s, err := decodeSession(state.IdentityKeys, state.RatchetState)
	if err != nil {
		return nil, err
	}
	s.rand = f.rand()
	return s, nil
}
