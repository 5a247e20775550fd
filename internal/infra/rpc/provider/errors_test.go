package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/vietddude/securelink/internal/core/domain"
)

func TestToFailure_Kinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.FailureKind
	}{
		{"plain", errors.New("dial tcp: refused"), domain.FailureDataCenterNotResponding},
		{"cancelled ctx", context.Canceled, domain.FailureOperationCancelled},
		{"deadline", context.DeadlineExceeded, domain.FailureDataCenterNotResponding},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), domain.FailureInvalidRequest},
		{"unauthenticated", status.Error(codes.Unauthenticated, "who"), domain.FailureCriticalAuthenticationFailure},
		{"cancelled status", status.Error(codes.Canceled, "stop"), domain.FailureOperationCancelled},
		{"precondition state", status.Error(codes.FailedPrecondition, "session state rejected"), domain.FailureProtocolStateMismatch},
		{"unavailable shutdown", status.Error(codes.Unavailable, "server shutdown"), domain.FailureDataCenterShutdown},
		{"unavailable", status.Error(codes.Unavailable, "conn refused"), domain.FailureDataCenterNotResponding},
	}

	for _, tt := range tests {
		if got := ToFailure(tt.err).Kind; got != tt.want {
			t.Errorf("ToFailure(%s).Kind = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestToFailure_Details(t *testing.T) {
	st, err := status.New(codes.Unavailable, "busy").WithDetails(
		&errdetails.ErrorInfo{
			Reason:   ReasonDataCenterShutdown,
			Metadata: map[string]string{MetaI18nKey: "error.shutdown", MetaRetryable: "true"},
		},
		&errdetails.RetryInfo{RetryDelay: durationpb.New(3 * time.Second)},
		&errdetails.LocalizedMessage{Locale: "en-US", Message: "Service is restarting"},
		&errdetails.RequestInfo{RequestId: "corr-1"},
	)
	if err != nil {
		t.Fatalf("WithDetails() error = %v", err)
	}

	f := ToFailure(st.Err())
	if f.Kind != domain.FailureDataCenterShutdown {
		t.Errorf("Kind = %s, want %s", f.Kind, domain.FailureDataCenterShutdown)
	}
	if f.Message != "Service is restarting" {
		t.Errorf("Message = %q", f.Message)
	}
	ue := f.UserError
	if ue == nil {
		t.Fatal("expected user error")
	}
	if ue.Code != ReasonDataCenterShutdown || ue.I18nKey != "error.shutdown" {
		t.Errorf("Code = %q, I18nKey = %q", ue.Code, ue.I18nKey)
	}
	if ue.Retryable == nil || !*ue.Retryable {
		t.Error("expected retryable = true")
	}
	if ue.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", ue.RetryAfter)
	}
	if ue.Locale != "en-US" || ue.CorrelationID != "corr-1" {
		t.Errorf("Locale = %q, CorrelationID = %q", ue.Locale, ue.CorrelationID)
	}
	if ue.Status != codes.Unavailable || f.Status() != codes.Unavailable {
		t.Errorf("Status = %v", ue.Status)
	}
}

func TestToFailure_PassThrough(t *testing.T) {
	orig := domain.InvalidRequest("already mapped")
	if got := ToFailure(orig); got != orig {
		t.Errorf("ToFailure() = %v, want original failure", got)
	}
	if ToFailure(nil) != nil {
		t.Error("ToFailure(nil) should be nil")
	}
}
