package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tkreindler/BlazorChat/internal/metrics"
	"github.com/tkreindler/BlazorChat/internal/protocol"
	"github.com/tkreindler/BlazorChat/internal/registry"
)

const tracerName = "github.com/tkreindler/BlazorChat/internal/signaling"

// ErrUnknownTarget is returned when the target identity never registered.
var ErrUnknownTarget = errors.New("signaling: unknown target")

// Registry is the subset of *registry.Registry the relay needs.
type Registry interface {
	Register(identity uuid.UUID, displayName, connID string) error
	Lookup(identity uuid.UUID) (registry.User, error)
	Deliver(identity uuid.UUID, connID string, frame []byte) bool
}

type RelayOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Relay holds no per-call state. Every operation is one registry lookup
// followed by at most one delivery.
type Relay struct {
	reg     Registry
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewRelay(reg Registry, opts RelayOptions) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Relay{
		reg:     reg,
		log:     logger,
		metrics: opts.Metrics,
		tracer:  tp.Tracer(tracerName),
	}
}

// RegisterUser binds identity to the connection and triggers a presence
// broadcast.
func (r *Relay) RegisterUser(ctx context.Context, connID string, identity uuid.UUID, displayName string) error {
	_, span := r.tracer.Start(ctx, "signaling.RegisterUser", trace.WithAttributes(
		attribute.String("signaling.identity", identity.String()),
		attribute.String("signaling.conn_id", connID),
	))
	defer span.End()

	if err := r.reg.Register(identity, displayName, connID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "register failed")
		return fmt.Errorf("register %s: %w", identity, err)
	}
	return nil
}

// Call invites target to a call from caller.
func (r *Relay) Call(ctx context.Context, caller, target uuid.UUID) error {
	return r.forward(ctx, "signaling.Call", caller, target, protocol.ReceiveCall(caller), metrics.CallsRelayed)
}

// AcceptCall tells target that caller accepted its invitation.
func (r *Relay) AcceptCall(ctx context.Context, caller, target uuid.UUID) error {
	return r.forward(ctx, "signaling.AcceptCall", caller, target, protocol.ReceiveAcceptCall(caller), metrics.CallAcceptsRelayed)
}

// SendRtcData forwards one negotiation message. payload is passed through
// untouched.
func (r *Relay) SendRtcData(ctx context.Context, caller, target uuid.UUID, kind, payload string) error {
	return r.forward(ctx, "signaling.SendRtcData", caller, target, protocol.ReceiveRtcData(caller, kind, payload), metrics.RTCDataRelayed,
		attribute.String("signaling.kind", kind))
}

func (r *Relay) forward(ctx context.Context, op string, caller, target uuid.UUID, frame []byte, relayed string, attrs ...attribute.KeyValue) error {
	attrs = append(attrs,
		attribute.String("signaling.caller", caller.String()),
		attribute.String("signaling.target", target.String()),
	)
	_, span := r.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	defer span.End()

	user, err := r.reg.Lookup(target)
	if errors.Is(err, registry.ErrUnknownUser) {
		r.metrics.Inc(metrics.RelayUnknownTarget)
		r.log.Debug("relay_unknown_target", "op", op, "caller", caller, "target", target)
		err = fmt.Errorf("%w: %s", ErrUnknownTarget, target)
		span.RecordError(err)
		span.SetStatus(codes.Error, protocol.CodeUnknownTarget)
		return err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return fmt.Errorf("lookup %s: %w", target, err)
	}

	if !r.reg.Deliver(target, user.ConnID, frame) {
		// Offline users and full queues are not errors for the caller.
		r.metrics.Inc(metrics.RelayTargetUnreachable)
		span.SetAttributes(attribute.Bool("signaling.delivered", false))
		r.log.Debug("relay_target_unreachable", "op", op, "caller", caller, "target", target)
		return nil
	}
	r.metrics.Inc(relayed)
	span.SetAttributes(attribute.Bool("signaling.delivered", true))
	return nil
}
