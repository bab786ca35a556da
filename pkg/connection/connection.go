// Package connection tracks live links and arbitrates connection-parameter
// updates across the link-layer and L2CAP signaling procedures.
//
// Central and peripheral roles support different subsets of the two
// procedures; the Arbitrator offers one request and one outcome per update
// regardless of which procedure carried it.
package connection

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// UpdateResult is the outcome of a locally started parameter update
type UpdateResult struct {
	Handle gap.ConnHandle
	Status status.Code
	Params gap.ConnParams
}

// Succeeded reports whether the update completed without error
func (r UpdateResult) Succeeded() bool {
	return r.Status == status.Success
}

// Notifier receives update outcomes
type Notifier func(UpdateResult)

// UpdatePath names the procedure that carried an update request
type UpdatePath uint8

const (
	PathLinkLayer UpdatePath = iota
	PathSignaling
)

func (p UpdatePath) String() string {
	if p == PathSignaling {
		return "l2cap"
	}
	return "link-layer"
}

// Attempt is the result of issuing an update request
type Attempt struct {
	Path UpdatePath
	Err  error
}

// FallsBackToSignaling reports whether a link-layer failure should be retried
// over L2CAP signaling: the peer lacks the link-layer procedure and only the
// peripheral may send the signaling request.
func FallsBackToSignaling(err error, role gap.Role) bool {
	return errors.Is(err, status.UnsupportedRemoteFeature) && role == gap.RolePeripheral
}

// Arbitrator owns the single in-flight parameter update of each connection
type Arbitrator struct {
	registry  *Registry
	linkLayer stack.LinkLayer
	signaling stack.Signaling
	notify    Notifier
	logger    *logrus.Logger

	mu        sync.Mutex
	policy    Policy
	autoReply bool
}

// NewArbitrator wires an arbitrator to the registry and protocol stack
func NewArbitrator(registry *Registry, ll stack.LinkLayer, sig stack.Signaling, notify Notifier, logger *logrus.Logger) *Arbitrator {
	if logger == nil {
		logger = logrus.New()
	}
	if notify == nil {
		notify = func(UpdateResult) {}
	}
	return &Arbitrator{
		registry:  registry,
		linkLayer: ll,
		signaling: sig,
		notify:    notify,
		logger:    logger,
	}
}

// Configure installs the acceptable range and enables automatic replies to
// remote update requests. An invalid policy disables automatic replies.
func (a *Arbitrator) Configure(p Policy) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := p.Validate(); err != nil {
		a.autoReply = false
		a.logger.WithError(err).Warn("Rejected connection policy, auto-reply disabled")
		return err
	}
	a.policy = p
	a.autoReply = true

	a.logger.WithFields(logrus.Fields{
		"interval_min": p.IntervalMin,
		"interval_max": p.IntervalMax,
		"latency_min":  p.LatencyMin,
		"latency_max":  p.LatencyMax,
	}).Info("Connection policy configured")
	return nil
}

// AutoReply reports whether remote requests are answered automatically
func (a *Arbitrator) AutoReply() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoReply
}

// Policy returns the configured policy
func (a *Arbitrator) Policy() Policy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// issue tries the link-layer procedure, then signaling when the fallback
// predicate holds
func (a *Arbitrator) issue(slot Slot, params gap.ConnParams) Attempt {
	err := a.linkLayer.UpdateConnection(slot.Handle, params)
	if !FallsBackToSignaling(err, slot.Role) {
		return Attempt{Path: PathLinkLayer, Err: err}
	}

	a.logger.WithField("handle", slot.Handle).Debug("Peer lacks link-layer update, using L2CAP signaling")
	return Attempt{Path: PathSignaling, Err: a.signaling.RequestParamUpdate(slot.Handle, params)}
}

// RequestUpdate starts a parameter update on handle. Its outcome is reported
// once through the Notifier.
func (a *Arbitrator) RequestUpdate(handle gap.ConnHandle, params gap.ConnParams) error {
	if !params.Valid() {
		return status.Errorf(status.InvalidParameter, "connection parameters %s", params)
	}
	slot, ok := a.registry.Lookup(handle)
	if !ok {
		return status.Errorf(status.InvalidParameter, "unknown connection handle 0x%04x", handle)
	}

	attempt := a.issue(slot, params)
	if attempt.Err != nil {
		a.logger.WithFields(logrus.Fields{
			"handle": handle,
			"path":   attempt.Path.String(),
			"error":  attempt.Err,
		}).Warn("Connection update request failed")
		return attempt.Err
	}

	if err := a.registry.SetInitiator(handle); err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"handle": handle,
		"path":   attempt.Path.String(),
		"params": params.String(),
	}).Debug("Connection update requested")
	return nil
}

func (a *Arbitrator) acceptance() (Policy, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy, a.autoReply
}

// HandleRemoteRequest answers a link-layer parameter request from the peer
func (a *Arbitrator) HandleRemoteRequest(evt stack.RemoteParamRequestEvent) error {
	policy, auto := a.acceptance()
	if !auto {
		a.logger.WithField("handle", evt.Handle).Debug("Auto-reply disabled, remote request left to the application")
		return nil
	}

	log := a.logger.WithFields(logrus.Fields{"handle": evt.Handle, "params": evt.Params.String()})
	if !policy.Acceptable(evt.Params) {
		log.Info("Rejecting remote connection parameters")
		return a.linkLayer.RejectRemoteParams(evt.Handle, status.UnacceptableParameters.HCIReason())
	}

	log.Debug("Accepting remote connection parameters")
	if err := a.linkLayer.ReplyRemoteParams(evt.Handle, evt.Params); err != nil {
		return err
	}
	return a.linkLayer.UpdateConnection(evt.Handle, evt.Params)
}

// HandleSignalingRequest answers an L2CAP parameter update request
func (a *Arbitrator) HandleSignalingRequest(evt stack.SignalingRequestEvent) error {
	policy, auto := a.acceptance()
	if !auto {
		a.logger.WithField("handle", evt.Handle).Debug("Auto-reply disabled, signaling request left to the application")
		return nil
	}

	log := a.logger.WithFields(logrus.Fields{
		"handle":     evt.Handle,
		"identifier": evt.Identifier,
		"params":     evt.Params.String(),
	})
	if !policy.Acceptable(evt.Params) {
		log.Info("Rejecting signaling connection parameters")
		return a.signaling.RespondParamUpdate(evt.Handle, evt.Identifier, stack.SignalingRejected)
	}

	log.Debug("Accepting signaling connection parameters")
	if err := a.signaling.RespondParamUpdate(evt.Handle, evt.Identifier, stack.SignalingAccepted); err != nil {
		return err
	}
	return a.linkLayer.UpdateConnection(evt.Handle, evt.Params)
}

// HandleUpdateComplete reports a finished link-layer update if this side started it
func (a *Arbitrator) HandleUpdateComplete(evt stack.ConnUpdateCompleteEvent) {
	if !a.registry.TakeInitiator(evt.Handle) {
		a.logger.WithField("handle", evt.Handle).Debug("Absorbed update completion not started locally")
		return
	}
	a.notify(UpdateResult{Handle: evt.Handle, Status: evt.Status, Params: evt.Params})
}

// HandleSignalingResponse handles the peer's answer to an L2CAP request. An
// accepted request stays in flight until the link-layer completion arrives.
func (a *Arbitrator) HandleSignalingResponse(evt stack.SignalingResponseEvent) {
	if evt.Result == stack.SignalingAccepted {
		a.logger.WithField("handle", evt.Handle).Debug("Signaling update accepted, awaiting link-layer completion")
		return
	}
	if !a.registry.TakeInitiator(evt.Handle) {
		return
	}
	a.notify(UpdateResult{Handle: evt.Handle, Status: status.UnacceptableParameters})
}
