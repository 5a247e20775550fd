package rpc

import (
	"context"
	"fmt"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc/flow"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
)

// DefaultService is the remote service every operation belongs to.
const DefaultService = "securelink.v1.SecureChannel"

// methodNames are the remote method names per kind.
var methodNames = map[domain.OperationKind]string{
	domain.KindRegisterDevice:   "RegisterDevice",
	domain.KindEstablishChannel: "EstablishChannel",
	domain.KindRestoreChannel:   "RestoreChannel",
	domain.KindSignInInit:       "SignInInit",
	domain.KindSignInComplete:   "SignInComplete",
	domain.KindSendMessage:      "SendMessage",
	domain.KindVerifyOTP:        "VerifyOTP",
	domain.KindSubscribeUpdates: "SubscribeUpdates",
	domain.KindLogout:           "Logout",
}

// MethodName returns the full gRPC method for kind under service.
func MethodName(service string, kind domain.OperationKind) string {
	return fmt.Sprintf("/%s/%s", service, methodNames[kind])
}

// Handler performs one operation kind against the transport.
type Handler interface {
	Kind() domain.OperationKind
	Flow() domain.FlowType
	Method() string
	Invoke(ctx context.Context, t provider.Transport, payload []byte, md provider.Metadata) (flow.Flow, error)
}

// Registry maps operation kinds to handlers.
type Registry struct {
	handlers map[domain.OperationKind]Handler
}

// NewRegistry registers a handler for every known kind under service.
func NewRegistry(service string) *Registry {
	r := &Registry{handlers: make(map[domain.OperationKind]Handler)}
	for _, kind := range domain.AllOperationKinds {
		method := MethodName(service, kind)
		switch kind.Flow() {
		case domain.FlowReceiveStream:
			r.Register(streamHandler{kind: kind, method: method})
		default:
			r.Register(unaryHandler{kind: kind, method: method})
		}
	}
	return r
}

// Register adds or replaces the handler for h.Kind().
func (r *Registry) Register(h Handler) {
	r.handlers[h.Kind()] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind domain.OperationKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

type unaryHandler struct {
	kind   domain.OperationKind
	method string
}

func (h unaryHandler) Kind() domain.OperationKind { return h.kind }
func (h unaryHandler) Flow() domain.FlowType      { return domain.FlowSingle }
func (h unaryHandler) Method() string             { return h.method }

func (h unaryHandler) Invoke(
	ctx context.Context,
	t provider.Transport,
	payload []byte,
	md provider.Metadata,
) (flow.Flow, error) {
	resp, err := t.Unary(ctx, h.method, payload, md)
	if err != nil {
		return nil, provider.ToFailure(err)
	}
	return flow.Completed(resp, nil), nil
}

type streamHandler struct {
	kind   domain.OperationKind
	method string
}

func (h streamHandler) Kind() domain.OperationKind { return h.kind }
func (h streamHandler) Flow() domain.FlowType      { return domain.FlowReceiveStream }
func (h streamHandler) Method() string             { return h.method }

func (h streamHandler) Invoke(
	ctx context.Context,
	t provider.Transport,
	payload []byte,
	md provider.Metadata,
) (flow.Flow, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	recv, err := t.ServerStream(streamCtx, h.method, payload, md)
	if err != nil {
		cancel()
		return nil, provider.ToFailure(err)
	}
	return adaptStream(streamCtx, cancel, h.kind, recv), nil
}
