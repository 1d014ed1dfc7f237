package signaling

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/signlink/signlink-relay/internal/metrics"
	"github.com/signlink/signlink-relay/internal/registry"
)

// Router relays signaling messages between registered identities. It keeps
// no call state; peers infer the call lifecycle from what they receive.
type Router struct {
	reg     *registry.Registry
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRouter(reg *registry.Registry, log *slog.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, log: log, metrics: m}
}

// Route delivers msg from the identity `from` to its target. Any failure is
// reported to sender as a single error event.
func (r *Router) Route(sender registry.Channel, from string, msg Message) {
	if err := r.route(from, msg); err != nil {
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			pe = &ProtocolError{Code: CodeInternal, Message: err.Error()}
		}
		r.log.Debug("signal_rejected", "kind", msg.Kind, "from", from, "target", msg.Target, "code", pe.Code)
		Reply(sender, pe)
		return
	}
	r.metrics.Inc(metrics.SignalRouted)
}

func (r *Router) route(from string, msg Message) error {
	if err := msg.Validate(); err != nil {
		r.metrics.Inc(metrics.SignalRejected)
		return err
	}
	spec := kinds[msg.Kind]
	if spec.deliverAs == "" {
		r.metrics.Inc(metrics.SignalRejected)
		return invalidRequest("%s is not a relayed message", msg.Kind)
	}

	target, ok := r.reg.Lookup(msg.Target)
	if !ok || target.Closed() {
		r.metrics.Inc(metrics.SignalNoTarget)
		return missingTarget(spec, msg.Target)
	}

	data, err := EncodeRelayed(spec.deliverAs, from, msg.Target, spec.field, msg.Payload)
	if err != nil {
		return invalidRequest("%v", err)
	}
	if err := target.Send(data); err != nil {
		r.metrics.Inc(metrics.SignalNoTarget)
		return &ProtocolError{
			Code:     CodeTargetUnavailable,
			Message:  fmt.Sprintf("delivery to %s failed", msg.Target),
			Identity: msg.Target,
		}
	}
	return nil
}

func missingTarget(spec kindSpec, identity string) *ProtocolError {
	if spec.initiates {
		return &ProtocolError{Code: CodeUserNotFound, Message: "user not found", Identity: identity}
	}
	return &ProtocolError{Code: CodeTargetUnavailable, Message: "target unavailable", Identity: identity}
}

// Reply sends an error event to ch, ignoring delivery failures.
func Reply(ch registry.Channel, e *ProtocolError) {
	if ch == nil {
		return
	}
	_ = ch.Send(EncodeError(e))
}
