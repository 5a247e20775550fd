package ratchet

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vietddude/securelink/internal/protocol/wire"
)

// ToState serializes the session. The identity blob holds the private
// identity and unused one-time keys; the ratchet blob holds both chains.
func (s *Session) ToState() (identity, ratchet []byte, err error) {
	if err := s.ready(); err != nil {
		return nil, nil, err
	}

	identity = wire.AppendBytes(identity, 1, s.identity.priv[:])
	for _, k := range s.oneTime {
		identity = wire.AppendBytes(identity, 2, k.priv[:])
	}

	ratchet = wire.AppendVarint(ratchet, 1, uint64(s.connID))
	ratchet = wire.AppendVarint(ratchet, 2, uint64(s.role))
	ratchet = wire.AppendBytes(ratchet, 3, s.peerIdentity[:])
	ratchet = wire.AppendBool(ratchet, 4, s.pinned)
	ratchet = wire.AppendBytes(ratchet, 5, s.send.key[:])
	ratchet = wire.AppendVarint(ratchet, 6, uint64(s.send.index))
	ratchet = wire.AppendBytes(ratchet, 7, s.recv.key[:])
	ratchet = wire.AppendVarint(ratchet, 8, uint64(s.recv.index))
	return identity, ratchet, nil
}

func decodeSession(identity, ratchet []byte) (*Session, error) {
	if len(identity) == 0 || len(ratchet) == 0 {
		return nil, errors.New("session state is empty")
	}

	s := &Session{established: true}
	err := wire.Walk(identity, func(f wire.Field) error {
		b, err := f.Blob()
		if err != nil {
			return err
		}
		kp, err := keyPairFromPrivate(b)
		if err != nil {
			return err
		}
		switch f.Num {
		case 1:
			s.identity = kp
		case 2:
			s.oneTime = append(s.oneTime, kp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity keys: %w", err)
	}

	err = wire.Walk(ratchet, func(f wire.Field) error {
		var (
			v   uint64
			b   []byte
			err error
		)
		switch f.Num {
		case 1:
			s.connID, err = f.Uint32()
		case 2:
			v, err = f.Uint64()
			s.role = role(v)
		case 3, 5, 7:
			if b, err = f.Blob(); err == nil {
				err = copyKey(b, f.Num, s)
			}
		case 4:
			s.pinned, err = f.Bool()
		case 6:
			s.send.index, err = f.Uint32()
		case 8:
			s.recv.index, err = f.Uint32()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ratchet state: %w", err)
	}
	if s.role != roleInitiator && s.role != roleResponder {
		return nil, fmt.Errorf("unknown session role %d", s.role)
	}
	return s, nil
}

func copyKey(b []byte, num protowire.Number, s *Session) error {
	if len(b) != keySize {
		return fmt.Errorf("field %d: key is %d bytes, want %d", num, len(b), keySize)
	}
	switch num {
	case 3:
		copy(s.peerIdentity[:], b)
	case 5:
		copy(s.send.key[:], b)
	case 7:
		copy(s.recv.key[:], b)
	}
	return nil
}
