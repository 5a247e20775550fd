package channel

import (
	"fmt"
	"time"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/protocol/wire"
)

// EncodeState serializes a snapshot for the durable store.
func EncodeState(s domain.ChannelState) []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(s.ConnectionID))
	b = wire.AppendBytes(b, 2, s.IdentityKeys)
	b = wire.AppendBytes(b, 3, s.RatchetState)
	b = wire.AppendBytes(b, 4, s.PeerHandshake)
	if !s.UpdatedAt.IsZero() {
		b = wire.AppendVarint(b, 5, uint64(s.UpdatedAt.UnixNano()))
	}
	return b
}

// DecodeState parses a snapshot written by EncodeState.
func DecodeState(b []byte) (domain.ChannelState, error) {
	var s domain.ChannelState
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			s.ConnectionID, err = f.Uint32()
		case 2:
			s.IdentityKeys, err = f.Blob()
		case 3:
			s.RatchetState, err = f.Blob()
		case 4:
			s.PeerHandshake, err = f.Blob()
		case 5:
			var ns uint64
			ns, err = f.Uint64()
			s.UpdatedAt = time.Unix(0, int64(ns))
		}
		return err
	})
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("failed to decode channel state: %w", err)
	}
	return s, nil
}

// EstablishRequest is the payload of an EstablishChannel call.
type EstablishRequest struct {
	ConnectionID uint32
	Handshake    []byte
}

func (r EstablishRequest) Marshal() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(r.ConnectionID))
	return wire.AppendBytes(b, 2, r.Handshake)
}

func UnmarshalEstablishRequest(b []byte) (EstablishRequest, error) {
	var r EstablishRequest
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			r.ConnectionID, err = f.Uint32()
		case 2:
			r.Handshake, err = f.Blob()
		}
		return err
	})
	return r, err
}

// EstablishResponse carries the peer's handshake.
type EstablishResponse struct {
	Handshake []byte
}

func (r EstablishResponse) Marshal() []byte {
	return wire.AppendBytes(nil, 1, r.Handshake)
}

func UnmarshalEstablishResponse(b []byte) (EstablishResponse, error) {
	var r EstablishResponse
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num == 1 {
			var err error
			r.Handshake, err = f.Blob()
			return err
		}
		return nil
	})
	return r, err
}

// RestoreRequest asks the server to resume a session. Resync marks a request
// from a live session that only needs chain lengths realigned.
type RestoreRequest struct {
	ConnectionID uint32
	Sent         uint32
	Received     uint32
	Resync       bool
}

func (r RestoreRequest) Marshal() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(r.ConnectionID))
	b = wire.AppendVarint(b, 2, uint64(r.Sent))
	b = wire.AppendVarint(b, 3, uint64(r.Received))
	return wire.AppendBool(b, 4, r.Resync)
}

func UnmarshalRestoreRequest(b []byte) (RestoreRequest, error) {
	var r RestoreRequest
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			r.ConnectionID, err = f.Uint32()
		case 2:
			r.Sent, err = f.Uint32()
		case 3:
			r.Received, err = f.Uint32()
		case 4:
			r.Resync, err = f.Bool()
		}
		return err
	})
	return r, err
}

// RestoreResponse reports whether the session was resumed and the server's
// chain lengths.
type RestoreResponse struct {
	Resumed        bool
	ServerSent     uint32
	ServerReceived uint32
}

func (r RestoreResponse) Marshal() []byte {
	var b []byte
	b = wire.AppendBool(b, 1, r.Resumed)
	b = wire.AppendVarint(b, 2, uint64(r.ServerSent))
	return wire.AppendVarint(b, 3, uint64(r.ServerReceived))
}

func UnmarshalRestoreResponse(b []byte) (RestoreResponse, error) {
	var r RestoreResponse
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			r.Resumed, err = f.Bool()
		case 2:
			r.ServerSent, err = f.Uint32()
		case 3:
			r.ServerReceived, err = f.Uint32()
		}
		return err
	})
	return r, err
}
