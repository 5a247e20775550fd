package ratchet

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/vietddude/securelink/internal/protocol/wire"
)

// hello is the initiator's handshake message.
type hello struct {
	connID    uint32
	identity  []byte
	ephemeral []byte
	oneTime   [][]byte
}

func (h hello) marshal() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(h.connID))
	b = wire.AppendBytes(b, 2, h.identity)
	b = wire.AppendBytes(b, 3, h.ephemeral)
	for _, k := range h.oneTime {
		b = wire.AppendBytes(b, 4, k)
	}
	return b
}

func parseHello(b []byte) (hello, error) {
	var h hello
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			h.connID, err = f.Uint32()
		case 2:
			h.identity, err = f.Blob()
		case 3:
			h.ephemeral, err = f.Blob()
		case 4:
			var k []byte
			k, err = f.Blob()
			h.oneTime = append(h.oneTime, k)
		}
		return err
	})
	if err != nil {
		return hello{}, fmt.Errorf("failed to decode handshake: %w", err)
	}
	if len(h.identity) != keySize || len(h.ephemeral) != keySize {
		return hello{}, fmt.Errorf("handshake keys must be %d bytes", keySize)
	}
	return h, nil
}

// reply is the responder's handshake message. oneTime is the 1-based index
// of the consumed one-time key, 0 when none was offered.
type reply struct {
	identity  []byte
	ephemeral []byte
	oneTime   uint32
}

func (r reply) marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, r.identity)
	b = wire.AppendBytes(b, 2, r.ephemeral)
	return wire.AppendVarint(b, 3, uint64(r.oneTime))
}

func parseReply(b []byte) (reply, error) {
	var r reply
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			r.identity, err = f.Blob()
		case 2:
			r.ephemeral, err = f.Blob()
		case 3:
			r.oneTime, err = f.Uint32()
		}
		return err
	})
	if err != nil {
		return reply{}, fmt.Errorf("failed to decode handshake reply: %w", err)
	}
	if len(r.identity) != keySize || len(r.ephemeral) != keySize {
		return reply{}, fmt.Errorf("handshake reply keys must be %d bytes", keySize)
	}
	return r, nil
}

// BeginHandshake generates a fresh ephemeral key and returns the hello.
func (s *Session) BeginHandshake() ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.role != roleInitiator {
		return nil, fmt.Errorf("responder sessions do not begin handshakes")
	}
	eph, err := generateKeyPair(s.rand)
	if err != nil {
		return nil, err
	}
	if s.ephemeral != nil {
		s.ephemeral.wipe()
	}
	s.ephemeral = &eph

	h := hello{connID: s.connID, identity: s.identity.pub[:], ephemeral: eph.pub[:]}
	for _, k := range s.oneTime {
		h.oneTime = append(h.oneTime, k.pub[:])
	}
	return h.marshal(), nil
}

// CompleteHandshake derives the chains from the responder's reply.
func (s *Session) CompleteHandshake(peer []byte) error {
	if s.closed {
		return ErrClosed
	}
	if s.ephemeral == nil {
		return fmt.Errorf("%w: handshake not started", ErrHandshakeIncomplete)
	}
	r, err := parseReply(peer)
	if err != nil {
		return err
	}

	var respID, respEph [keySize]byte
	copy(respID[:], r.identity)
	copy(respEph[:], r.ephemeral)
	if s.pinned && respID != s.peerIdentity {
		return ErrPeerMismatch
	}

	var otk *keyPair
	if r.oneTime > 0 {
		if int(r.oneTime) > len(s.oneTime) {
			return fmt.Errorf("reply consumed unknown one-time key %d", r.oneTime)
		}
		otk = &s.oneTime[r.oneTime-1]
	}

	secret, err := agree(
		[]dhPair{
			{s.ephemeral.priv, respEph},
			{s.identity.priv, respEph},
			{s.ephemeral.priv, respID},
		},
		otk, respEph,
	)
	if err != nil {
		return err
	}
	c2s, s2c, err := deriveChains(secret, s.connID)
	clear(secret)
	if err != nil {
		return err
	}

	if otk != nil {
		otk.wipe()
		s.oneTime = append(s.oneTime[:r.oneTime-1], s.oneTime[r.oneTime:]...)
	}
	s.ephemeral.wipe()
	s.ephemeral = nil
	s.peerIdentity = respID
	s.send = chain{key: c2s}
	s.recv = chain{key: s2c}
	s.established = true
	return nil
}

type dhPair struct {
	priv [keySize]byte
	pub  [keySize]byte
}

func agree(pairs []dhPair, otk *keyPair, otkPeer [keySize]byte) ([]byte, error) {
	var secret []byte
	for _, p := range pairs {
		out, err := dh(p.priv, p.pub)
		if err != nil {
			return nil, fmt.Errorf("key agreement failed: %w", err)
		}
		secret = append(secret, out...)
	}
	if otk != nil {
		out, err := dh(otk.priv, otkPeer)
		if err != nil {
			return nil, fmt.Errorf("key agreement failed: %w", err)
		}
		secret = append(secret, out...)
	}
	return secret, nil
}

// Responder is the server side of the handshake. It is used by tests and
// by tooling that needs to terminate channels locally.
type Responder struct {
	identity keyPair
	rand     io.Reader
}

// NewResponder creates a responder with a fresh identity. A nil r uses crypto/rand.
func NewResponder(r io.Reader) (*Responder, error) {
	if r == nil {
		r = rand.Reader
	}
	id, err := generateKeyPair(r)
	if err != nil {
		return nil, err
	}
	return &Responder{identity: id, rand: r}, nil
}

// PublicKey returns the identity key initiators may pin.
func (r *Responder) PublicKey() []byte {
	return append([]byte(nil), r.identity.pub[:]...)
}

// Accept answers a hello. The returned session is the server's end of the
// channel.
func (r *Responder) Accept(connID uint32, handshake []byte) (*Session, []byte, error) {
	h, err := parseHello(handshake)
	if err != nil {
		return nil, nil, err
	}
	if h.connID != connID {
		return nil, nil, fmt.Errorf("handshake for connection %d received on %d", h.connID, connID)
	}

	eph, err := generateKeyPair(r.rand)
	if err != nil {
		return nil, nil, err
	}
	defer eph.wipe()

	var initID, initEph [keySize]byte
	copy(initID[:], h.identity)
	copy(initEph[:], h.ephemeral)

	pairs := []dhPair{
		{eph.priv, initEph},
		{eph.priv, initID},
		{r.identity.priv, initEph},
	}
	rep := reply{identity: r.identity.pub[:], ephemeral: eph.pub[:]}
	var secret []byte
	if len(h.oneTime) > 0 && len(h.oneTime[0]) == keySize {
		rep.oneTime = 1
		pairs = append(pairs, dhPair{eph.priv, [keySize]byte(h.oneTime[0])})
	}
	secret, err = agree(pairs, nil, [keySize]byte{})
	if err != nil {
		return nil, nil, err
	}
	c2s, s2c, err := deriveChains(secret, connID)
	clear(secret)
	if err != nil {
		return nil, nil, err
	}

	s := &Session{
		connID:       connID,
		rand:         r.rand,
		role:         roleResponder,
		identity:     r.identity,
		peerIdentity: initID,
		send:         chain{key: s2c},
		recv:         chain{key: c2s},
		established:  true,
	}
	return s, rep.marshal(), nil
}
