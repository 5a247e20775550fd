package ratchet

import (
	"fmt"
	"io"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/protocol/wire"
)

type role uint8

const (
	roleInitiator role = iota + 1
	roleResponder
)

// Session is one end of a channel. It is not safe for concurrent use.
type Session struct {
	connID uint32
	rand   io.Reader
	role   role

	identity     keyPair
	ephemeral    *keyPair
	oneTime      []keyPair
	peerIdentity [keySize]byte
	pinned       bool

	send        chain
	recv        chain
	established bool
	closed      bool
}

var _ channel.Session = (*Session)(nil)

// ProduceOutbound seals plaintext under the next send key.
func (s *Session) ProduceOutbound(plaintext []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	index := s.send.index
	mk := s.send.step()
	defer clear(mk[:])

	ct, err := seal(mk, associatedData(s.connID, index), plaintext)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(index))
	return wire.AppendBytes(b, 2, ct), nil
}

// ProcessInbound opens an envelope. Envelopes behind the receive chain are
// rejected; the chain skips forward over missing ones, at most MaxSkip. The
// chain only moves when the envelope authenticates.
func (s *Session) ProcessInbound(envelope []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		index uint32
		ct    []byte
	)
	err := wire.Walk(envelope, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			index, err = f.Uint32()
		case 2:
			ct = f.Bytes
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
	}
	if index < s.recv.index {
		return nil, fmt.Errorf("%w: message %d already consumed, chain at %d", ErrDecryptionFailed, index, s.recv.index)
	}

	next := s.recv
	if err := next.advance(index); err != nil {
		return nil, err
	}
	mk := next.step()
	defer clear(mk[:])

	plain, err := open(mk, associatedData(s.connID, index), ct)
	if err != nil {
		next.wipe()
		return nil, fmt.Errorf("%w: message %d: invalid mac", ErrDecryptionFailed, index)
	}
	s.recv.wipe()
	s.recv = next
	return plain, nil
}

// SyncWithRemote fast-forwards the chains. Chains already at or past the
// requested length are left alone.
func (s *Session) SyncWithRemote(send, recv uint32) error {
	if err := s.ready(); err != nil {
		return err
	}
	nextSend, nextRecv := s.send, s.recv
	if err := nextSend.advance(send); err != nil {
		return err
	}
	if err := nextRecv.advance(recv); err != nil {
		return err
	}
	s.send, s.recv = nextSend, nextRecv
	return nil
}

// ChainLengths returns how many keys each chain has produced.
func (s *Session) ChainLengths() (send, recv uint32) {
	return s.send.index, s.recv.index
}

// PeerIdentity returns the peer's identity key once established.
func (s *Session) PeerIdentity() []byte {
	if !s.established {
		return nil
	}
	return append([]byte(nil), s.peerIdentity[:]...)
}

// Close wipes every key. It is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.identity.wipe()
	if s.ephemeral != nil {
		s.ephemeral.wipe()
		s.ephemeral = nil
	}
	for i := range s.oneTime {
		s.oneTime[i].wipe()
	}
	s.oneTime = nil
	s.send.wipe()
	s.recv.wipe()
	return nil
}

func (s *Session) ready() error {
	switch {
	case s.closed:
		return ErrClosed
	case !s.established:
		return ErrHandshakeIncomplete
	}
	return nil
}
