package domain

import "github.com/google/uuid"

// FlowType is the transport shape a request expects.
type FlowType int

const (
	FlowSingle FlowType = iota
	FlowReceiveStream
)

func (f FlowType) String() string {
	switch f {
	case FlowSingle:
		return "single"
	case FlowReceiveStream:
		return "receive_stream"
	default:
		return "unknown"
	}
}

// OperationKind is the closed set of remote operations the client can invoke.
type OperationKind int

const (
	KindRegisterDevice OperationKind = iota + 1
	KindEstablishChannel
	KindRestoreChannel
	KindSignInInit
	KindSignInComplete
	KindSendMessage
	KindVerifyOTP
	KindSubscribeUpdates
	KindLogout
)

// AllOperationKinds lists every supported kind in declaration order.
var AllOperationKinds = []OperationKind{
	KindRegisterDevice,
	KindEstablishChannel,
	KindRestoreChannel,
	KindSignInInit,
	KindSignInComplete,
	KindSendMessage,
	KindVerifyOTP,
	KindSubscribeUpdates,
	KindLogout,
}

func (k OperationKind) String() string {
	switch k {
	case KindRegisterDevice:
		return "register_device"
	case KindEstablishChannel:
		return "establish_channel"
	case KindRestoreChannel:
		return "restore_channel"
	case KindSignInInit:
		return "sign_in_init"
	case KindSignInComplete:
		return "sign_in_complete"
	case KindSendMessage:
		return "send_message"
	case KindVerifyOTP:
		return "verify_otp"
	case KindSubscribeUpdates:
		return "subscribe_updates"
	case KindLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// Flow returns the transport shape the kind is served with.
func (k OperationKind) Flow() FlowType {
	switch k {
	case KindVerifyOTP, KindSubscribeUpdates:
		return FlowReceiveStream
	default:
		return FlowSingle
	}
}

// RequestContext carries the per-call correlation data.
type RequestContext struct {
	CorrelationID  string
	IdempotencyKey string
	Attempt        int
}

// ServiceRequest is a single logical call. It is never mutated; retries derive
// a new value with CreateNextAttempt.
type ServiceRequest struct {
	RequestID string
	FlowType  FlowType
	Kind      OperationKind
	Payload   []byte
	Context   *RequestContext
}

// NewServiceRequest builds a first-attempt request with fresh correlation data.
func NewServiceRequest(kind OperationKind, flowType FlowType, payload []byte) ServiceRequest {
	return ServiceRequest{
		RequestID: uuid.NewString(),
		FlowType:  flowType,
		Kind:      kind,
		Payload:   payload,
		Context: &RequestContext{
			CorrelationID:  uuid.NewString(),
			IdempotencyKey: uuid.NewString(),
			Attempt:        1,
		},
	}
}

// Attempt returns the attempt number, 1 when no context is attached.
func (r ServiceRequest) Attempt() int {
	if r.Context == nil {
		return 1
	}
	return r.Context.Attempt
}

// CreateNextAttempt derives the request for the following attempt. The
// idempotency key and correlation id are preserved so the server can
// deduplicate retried writes.
func (r ServiceRequest) CreateNextAttempt() ServiceRequest {
	next := r
	next.RequestID = uuid.NewString()
	if r.Context == nil {
		next.Context = &RequestContext{
			CorrelationID:  uuid.NewString(),
			IdempotencyKey: uuid.NewString(),
			Attempt:        2,
		}
		return next
	}
	ctx := *r.Context
	ctx.Attempt++
	next.Context = &ctx
	return next
}
