package provider

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/securelink/internal/core/domain"
)

// ErrorInfo reasons the service uses to name failure kinds.
const (
	ReasonProtocolStateMismatch = "PROTOCOL_STATE_MISMATCH"
	ReasonDataCenterShutdown    = "DATA_CENTER_SHUTDOWN"
	ReasonCriticalAuth          = "CRITICAL_AUTHENTICATION_FAILURE"
	ReasonInvalidRequest        = "INVALID_REQUEST"
)

// ErrorInfo metadata keys.
const (
	MetaI18nKey   = "i18n_key"
	MetaRetryable = "retryable"
)

// ToFailure maps a transport error into the domain failure taxonomy.
func ToFailure(err error) *domain.NetworkFailure {
	if err == nil {
		return nil
	}

	var f *domain.NetworkFailure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) {
		return domain.Cancelled(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NotResponding("deadline exceeded", err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return domain.NotResponding(err.Error(), err)
	}

	ue := &domain.UserError{Status: st.Code()}
	message := st.Message()
	reason := ""

	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			reason = v.GetReason()
			ue.Code = v.GetReason()
			ue.I18nKey = v.GetMetadata()[MetaI18nKey]
			if raw, ok := v.GetMetadata()[MetaRetryable]; ok {
				if b, err := strconv.ParseBool(raw); err == nil {
					ue.Retryable = &b
				}
			}
		case *errdetails.RetryInfo:
			if d := v.GetRetryDelay(); d != nil {
				ue.RetryAfter = d.AsDuration()
			}
		case *errdetails.LocalizedMessage:
			ue.Locale = v.GetLocale()
			if v.GetMessage() != "" {
				message = v.GetMessage()
			}
		case *errdetails.RequestInfo:
			ue.CorrelationID = v.GetRequestId()
		}
	}

	return &domain.NetworkFailure{
		Kind:      kindFor(st.Code(), reason, st.Message()),
		Message:   message,
		UserError: ue,
		Err:       err,
	}
}

func kindFor(code codes.Code, reason, message string) domain.FailureKind {
	switch reason {
	case ReasonProtocolStateMismatch:
		return domain.FailureProtocolStateMismatch
	case ReasonDataCenterShutdown:
		return domain.FailureDataCenterShutdown
	case ReasonCriticalAuth:
		return domain.FailureCriticalAuthenticationFailure
	case ReasonInvalidRequest:
		return domain.FailureInvalidRequest
	}

	switch code {
	case codes.Canceled:
		return domain.FailureOperationCancelled
	case codes.InvalidArgument, codes.OutOfRange:
		return domain.FailureInvalidRequest
	case codes.Unauthenticated:
		return domain.FailureCriticalAuthenticationFailure
	case codes.FailedPrecondition:
		if strings.Contains(strings.ToLower(message), "state") {
			return domain.FailureProtocolStateMismatch
		}
	case codes.Unavailable:
		if strings.Contains(strings.ToLower(message), "shutdown") {
			return domain.FailureDataCenterShutdown
		}
	}
	return domain.FailureDataCenterNotResponding
}
