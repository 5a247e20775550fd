// Package routing classifies transport failures and schedules retry delays.
package routing

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/vietddude/securelink/internal/core/domain"
)

// Keyword sets matched against the lower-cased failure text.
var (
	hardClientPatterns = []string{
		"bad request",
		"unauthorized",
		"forbidden",
		"not found",
	}

	shutdownPatterns = []string{
		"shutting down",
		"server shutdown",
		"data center shutdown",
		"going away",
		"draining",
	}

	cryptoDesyncPatterns = []string{
		"desync",
		"out of sync",
		"decryption failed",
		"failed to decrypt",
		"message authentication failed",
		"invalid mac",
	}

	chainRotationPatterns = []string{
		"chain rotation",
		"chain mismatch",
		"ratchet mismatch",
		"chain index",
	}

	protocolStatePatterns = []string{
		"protocol state mismatch",
		"session state mismatch",
		"unknown session",
	}

	outagePatterns = []string{
		"outage",
		"recovery in progress",
		"maintenance",
		"try again later",
	}

	connectionUnavailablePatterns = []string{
		"connection unavailable",
	}
)

// hardClientCodes are transport statuses that indicate a caller bug.
var hardClientCodes = map[codes.Code]bool{
	codes.InvalidArgument:  true,
	codes.Unauthenticated:  true,
	codes.PermissionDenied: true,
	codes.NotFound:         true,
}

// Classification is the full set of categories a failure falls into.
type Classification struct {
	Transient             bool
	ServerShutdown        bool
	CryptoDesync          bool
	ChainRotationMismatch bool
	ProtocolStateMismatch bool
	OutageRecoveryWait    bool
	RequiresRecovery      bool
}

// Classify evaluates every predicate once.
func Classify(err error) Classification {
	return Classification{
		Transient:             IsTransient(err),
		ServerShutdown:        IsServerShutdown(err),
		CryptoDesync:          IsCryptoDesync(err),
		ChainRotationMismatch: IsChainRotationMismatch(err),
		ProtocolStateMismatch: IsProtocolStateMismatch(err),
		OutageRecoveryWait:    IsOutageRecoveryWait(err),
		RequiresRecovery:      RequiresRecovery(err),
	}
}

// Label returns a short metric label for the dominant category.
func (c Classification) Label() string {
	switch {
	case c.ProtocolStateMismatch:
		return "protocol_state_mismatch"
	case c.ChainRotationMismatch:
		return "chain_rotation_mismatch"
	case c.CryptoDesync:
		return "crypto_desync"
	case c.ServerShutdown:
		return "server_shutdown"
	case c.OutageRecoveryWait:
		return "outage_recovery_wait"
	case c.Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// IsTransient reports whether err should be retried.
// Anything not recognised as a hard client error is transient, including
// failures that also require recovery.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	f := domain.AsFailure(err)

	switch f.Kind {
	case domain.FailureInvalidRequest,
		domain.FailureCriticalAuthenticationFailure,
		domain.FailureOperationCancelled:
		return false
	}

	if ue := f.UserError; ue != nil {
		if ue.Retryable != nil && !*ue.Retryable {
			return false
		}
		if hardClientCodes[ue.Status] {
			return false
		}
	}

	return !matchAny(f, hardClientPatterns)
}

// IsServerShutdown reports a remote side that is going away.
func IsServerShutdown(err error) bool {
	if err == nil {
		return false
	}
	f := domain.AsFailure(err)
	if f.Kind == domain.FailureDataCenterShutdown {
		return true
	}
	return matchAny(f, shutdownPatterns)
}

// IsCryptoDesync reports ratchet state that no longer matches the peer.
func IsCryptoDesync(err error) bool {
	if err == nil {
		return false
	}
	return matchAny(domain.AsFailure(err), cryptoDesyncPatterns)
}

// IsChainRotationMismatch reports diverged chain indices after a ratchet step.
func IsChainRotationMismatch(err error) bool {
	if err == nil {
		return false
	}
	return matchAny(domain.AsFailure(err), chainRotationPatterns)
}

// IsProtocolStateMismatch reports a server that rejected our session state.
func IsProtocolStateMismatch(err error) bool {
	if err == nil {
		return false
	}
	f := domain.AsFailure(err)
	if f.Kind == domain.FailureProtocolStateMismatch {
		return true
	}
	return matchAny(f, protocolStatePatterns)
}

// IsOutageRecoveryWait reports a backend asking the client to hold off.
func IsOutageRecoveryWait(err error) bool {
	if err == nil {
		return false
	}
	f := domain.AsFailure(err)
	if ue := f.UserError; ue != nil && ue.RetryAfter > 0 &&
		(ue.Status == codes.Unavailable || ue.Status == codes.ResourceExhausted) {
		return true
	}
	return matchAny(f, outagePatterns)
}

// RequiresRecovery reports failures that need the channel re-established or validated.
func RequiresRecovery(err error) bool {
	if err == nil {
		return false
	}
	return IsProtocolStateMismatch(err) ||
		IsChainRotationMismatch(err) ||
		IsCryptoDesync(err) ||
		matchAny(domain.AsFailure(err), connectionUnavailablePatterns)
}

func matchAny(f *domain.NetworkFailure, patterns []string) bool {
	s := strings.ToLower(f.Message)
	if f.Err != nil {
		s += " " + strings.ToLower(f.Err.Error())
	}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
