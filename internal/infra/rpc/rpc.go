// Package rpc routes service requests to the transport.
//
// The Dispatcher looks up a typed handler for the request's operation
// kind, attaches identity and request metadata, and returns the flow the
// operation produces. Transport errors are mapped into the domain
// failure taxonomy and reported on the signal bus:
//
//	d := rpc.NewDispatcher(transport, bus, nil)
//	d.SetIdentity(rpc.Identity{AppInstanceID: app, DeviceID: dev})
//	f, err := d.Invoke(ctx, req, rpc.ConnectivityContext{ConnectionID: id})
//
// # Package Structure
//
//   - flow/     - the RpcFlow sum type and Result[T]
//   - provider/ - Transport, gRPC implementation, failure mapping
//   - routing/  - failure classification and backoff schedules
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc/flow"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
	"github.com/vietddude/securelink/internal/infra/rpc/routing"
	"github.com/vietddude/securelink/internal/infra/signal"
	"github.com/vietddude/securelink/internal/metrics"
)

// ConnectivityContext names the connection a dispatch belongs to.
type ConnectivityContext struct {
	ConnectionID uint32
	Exchange     domain.ExchangeType
}

// Invoker is the dispatch contract consumed by higher layers.
type Invoker interface {
	Invoke(ctx context.Context, req domain.ServiceRequest, cc ConnectivityContext) (flow.Flow, error)
}

// Dispatcher implements Invoker over a Transport.
type Dispatcher struct {
	transport provider.Transport
	registry  *Registry
	bus       signal.Bus

	mu       sync.RWMutex
	identity Identity

	log *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil registry registers every
// known operation kind under DefaultService.
func NewDispatcher(t provider.Transport, bus signal.Bus, registry *Registry) *Dispatcher {
	if registry == nil {
		registry = NewRegistry(DefaultService)
	}
	return &Dispatcher{
		transport: t,
		registry:  registry,
		bus:       bus,
		log:       slog.Default().With("component", "dispatcher"),
	}
}

// Invoke routes req to its handler and returns the resulting flow.
func (d *Dispatcher) Invoke(
	ctx context.Context,
	req domain.ServiceRequest,
	cc ConnectivityContext,
) (flow.Flow, error) {
	h, ok := d.registry.Lookup(req.Kind)
	if !ok {
		return nil, domain.InvalidRequest(fmt.Sprintf("unsupported operation kind %s", req.Kind))
	}
	if h.Flow() != req.FlowType {
		return nil, domain.InvalidRequest(
			fmt.Sprintf("operation %s expects %s flow, got %s", req.Kind, h.Flow(), req.FlowType),
		)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Cancelled(err)
	}

	start := time.Now()
	f, err := h.Invoke(ctx, d.transport, req.Payload, d.metadataFor(req, cc))
	metrics.DispatchLatency.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		failure := provider.ToFailure(err)
		metrics.DispatchTotal.WithLabelValues(req.Kind.String(), string(failure.Kind)).Inc()
		d.log.Debug("Dispatch failed",
			"kind", req.Kind,
			"connection", cc.ConnectionID,
			"request", req.RequestID,
			"attempt", req.Attempt(),
			"error", failure,
		)
		d.reportFailure(cc, failure)
		return nil, failure
	}

	metrics.DispatchTotal.WithLabelValues(req.Kind.String(), "success").Inc()
	d.publish(signal.Signal{
		Kind:         signal.ConnectivityRestored,
		ConnectionID: cc.ConnectionID,
		Source:       signal.SourceDispatcher,
	})
	return f, nil
}

// reportFailure publishes ConnectivityDegraded unless the failure is a
// protocol-state mismatch or a cancellation.
func (d *Dispatcher) reportFailure(cc ConnectivityContext, f *domain.NetworkFailure) {
	if f.Kind == domain.FailureOperationCancelled || routing.IsProtocolStateMismatch(f) {
		return
	}
	d.publish(signal.Signal{
		Kind:         signal.ConnectivityDegraded,
		ConnectionID: cc.ConnectionID,
		Source:       signal.SourceDispatcher,
		Reason:       f.Message,
	})
}

func (d *Dispatcher) publish(s signal.Signal) {
	if d.bus != nil {
		d.bus.Publish(s)
	}
}
