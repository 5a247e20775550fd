package domain

import (
	"hash/fnv"
	"strconv"
)

// ExchangeType identifies the key-exchange context a connection was opened for.
type ExchangeType string

const (
	ExchangeDataCenterEphemeralConnect ExchangeType = "data_center_ephemeral_connect"
	ExchangeServerStreaming            ExchangeType = "server_streaming"
)

// InstanceSettings carries the identity of this app installation.
type InstanceSettings struct {
	AppInstanceID   string
	DeviceID        string
	Locale          string
	ServerPublicKey []byte
}

// ConnectionID derives the 32-bit connection id for an instance and exchange context.
// The same inputs always yield the same id.
func ConnectionID(appInstanceID, deviceID string, exchange ExchangeType) uint32 {
	h := fnv.New32a()
	h.Write([]byte(appInstanceID))
	h.Write([]byte{0})
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(exchange))
	return h.Sum32()
}

// ConnectionKey renders a connection id as its durable-store key.
func ConnectionKey(connectionID uint32) string {
	return strconv.FormatUint(uint64(connectionID), 10)
}

// ParseConnectionKey is the inverse of ConnectionKey.
func ParseConnectionKey(key string) (uint32, error) {
	v, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
