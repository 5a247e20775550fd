package rpc

import (
	"strconv"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
)

// Outgoing metadata keys.
const (
	MetaAppInstanceID  = "x-app-instance-id"
	MetaDeviceID       = "x-device-id"
	MetaLocale         = "x-locale"
	MetaConnectionID   = "x-connection-id"
	MetaExchange       = "x-exchange-type"
	MetaRequestID      = "x-request-id"
	MetaCorrelationID  = "x-correlation-id"
	MetaIdempotencyKey = "x-idempotency-key"
	MetaAttempt        = "x-attempt"
)

// Identity is the instance/device identity attached to every call.
type Identity struct {
	AppInstanceID string
	DeviceID      string
	Locale        string
}

// IdentityFromSettings extracts the identity part of instance settings.
func IdentityFromSettings(s domain.InstanceSettings) Identity {
	return Identity{
		AppInstanceID: s.AppInstanceID,
		DeviceID:      s.DeviceID,
		Locale:        s.Locale,
	}
}

// SetIdentity primes the metadata attached to every later call.
func (d *Dispatcher) SetIdentity(id Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identity = id
}

// Identity returns the currently primed identity.
func (d *Dispatcher) Identity() Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.identity
}

func (d *Dispatcher) metadataFor(req domain.ServiceRequest, cc ConnectivityContext) provider.Metadata {
	id := d.Identity()

	md := provider.Metadata{
		MetaRequestID:    req.RequestID,
		MetaConnectionID: strconv.FormatUint(uint64(cc.ConnectionID), 10),
		MetaExchange:     string(cc.Exchange),
	}
	if id.AppInstanceID != "" {
		md[MetaAppInstanceID] = id.AppInstanceID
	}
	if id.DeviceID != "" {
		md[MetaDeviceID] = id.DeviceID
	}
	if id.Locale != "" {
		md[MetaLocale] = id.Locale
	}
	if rc := req.Context; rc != nil {
		md[MetaCorrelationID] = rc.CorrelationID
		md[MetaIdempotencyKey] = rc.IdempotencyKey
		md[MetaAttempt] = strconv.Itoa(rc.Attempt)
	}
	return md
}
