package link

import (
	"fmt"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/m"
)

// endpointHandler receives the endpoint events of a link.
type endpointHandler struct {
	l *Link
}

func (h *endpointHandler) FrameReceived(p frame.Performative, payload []byte) {
	h.l.frameReceived(p, payload)
}

func (h *endpointHandler) SessionStateChanged(state, previous SessionState) {
	h.l.sessionStateChanged(state, previous)
}

func (h *endpointHandler) SessionFlowOn() {
	if h.l.role == frame.RoleSender && h.l.onFlowOn != nil {
		h.l.onFlowOn()
	}
}

func (h *endpointHandler) EndpointDestroyed() {
	h.l.endpointDestroyed = true
}

func (l *Link) sessionStateChanged(state, _ SessionState) {
	l.sessionState = state

	switch state {
	case SessionMapped:
		if l.state == StateDetached && !l.isClosed {
			if err := l.sendAttach(); err != nil {
				l.logger.Warn("link: failed to attach", "err", err)
				return
			}
			l.setState(StateHalfAttachedAttachSent)
		}

	case SessionDiscarding:
		l.settleAll(SettleReasonNotDelivered)
		l.setState(StateDetached)

	case SessionError:
		l.settleAll(SettleReasonNotDelivered)
		l.setState(StateError)
	}
}

func (l *Link) frameReceived(p frame.Performative, payload []byte) {
	if l.trace {
		l.logger.Debug("link: <- "+p.String(), "state", l.state)
	}

	switch perf := p.(type) {
	case *frame.Attach:
		l.handleAttach(perf)
	case *frame.Flow:
		l.handleFlow(perf)
	case *frame.Transfer:
		l.handleTransfer(perf, payload)
	case *frame.Disposition:
		l.handleDisposition(perf)
	case *frame.Detach:
		l.handleDetach(perf)
	default:
		l.logger.Warn("link: ignoring unexpected performative", "performative", p.String())
	}
}

func (l *Link) handleAttach(attach *frame.Attach) {
	if l.state != StateDetached && l.state != StateHalfAttachedAttachSent {
		return
	}

	if attach.Name != l.name || attach.Role == l.role {
		// Unusable attach, start over.
		l.logger.Warn(
			"link: received invalid attach",
			"peer_name", attach.Name,
			"peer_role", attach.Role,
		)
		l.settleAll(SettleReasonNotDelivered)
		l.setState(StateDetached)
		return
	}

	l.peerMaxMessageSize = attach.MaxMessageSize

	if l.role == frame.RoleReceiver {
		if attach.InitialDeliveryCount != nil {
			l.deliveryCount = *attach.InitialDeliveryCount
		}
		l.linkCredit = l.maxLinkCredit
		if err := l.sendFlow(); err != nil {
			l.logger.Warn("link: failed to grant credit", "err", err)
		}
	} else {
		l.linkCredit = 0
	}

	if l.state == StateDetached {
		l.setState(StateHalfAttachedAttachReceived)
	} else {
		l.setState(StateAttached)
	}
}

func (l *Link) handleFlow(flow *frame.Flow) {
	if l.role != frame.RoleSender {
		return
	}

	if flow.LinkCredit == nil {
		l.logger.Warn("link: received flow without link credit")
		l.settleAll(SettleReasonNotDelivered)
		l.setState(StateDetached)
		return
	}

	// The receiver uses the initial delivery count until it knows ours.
	peerDeliveryCount := l.initialDeliveryCount
	if flow.DeliveryCount != nil {
		peerDeliveryCount = *flow.DeliveryCount
	}

	// Credit is peer delivery count + peer credit - our delivery count,
	// never negative.
	credit := m.SerialDiff(l.deliveryCount, peerDeliveryCount+*flow.LinkCredit)
	if credit < 0 {
		credit = 0
	}
	l.linkCredit = uint32(credit)

	if flow.Echo {
		if err := l.sendFlow(); err != nil {
			l.logger.Warn("link: failed to echo flow", "err", err)
		}
	}

	if l.linkCredit > 0 && l.onFlowOn != nil {
		l.onFlowOn()
	}
}

func (l *Link) handleTransfer(transfer *frame.Transfer, payload []byte) {
	if l.role != frame.RoleReceiver {
		return
	}

	// Credit is accounted on the first frame of a delivery.
	if !l.reassembling {
		if l.linkCredit > 0 {
			l.linkCredit--
		}
		l.deliveryCount++
		if l.linkCredit == 0 {
			l.linkCredit = l.maxLinkCredit
			if err := l.sendFlow(); err != nil {
				l.logger.Warn("link: failed to replenish credit", "err", err)
			}
		}

		l.reassembling = true
		if transfer.DeliveryID != nil {
			l.receivedID = *transfer.DeliveryID
		}
		l.receivedTag = transfer.DeliveryTag
		if transfer.MessageFormat != nil {
			l.receivedFmt = *transfer.MessageFormat
		}
	}
	if transfer.Settled {
		l.receivedSttl = true
	}

	if transfer.Aborted {
		l.resetReassembly()
		return
	}

	if l.maxMessageSize > 0 && uint64(len(l.received)+len(payload)) > l.maxMessageSize {
		l.failMessageSize()
		return
	}

	if transfer.More {
		l.received = append(l.received, payload...)
		return
	}

	// Take ownership of the complete payload.
	complete := payload
	if len(l.received) > 0 {
		complete = append(l.received, payload...)
	}
	deliveryID := l.receivedID
	messageFormat := l.receivedFmt
	delivered := &frame.Transfer{
		Handle:             transfer.Handle,
		DeliveryID:         &deliveryID,
		DeliveryTag:        l.receivedTag,
		MessageFormat:      &messageFormat,
		Settled:            l.receivedSttl,
		ReceiverSettleMode: transfer.ReceiverSettleMode,
		State:              transfer.State,
	}
	l.resetReassembly()

	if l.onTransferReceived == nil {
		return
	}
	state := l.onTransferReceived(delivered, complete)
	if state == nil || delivered.Settled {
		return
	}
	if err := l.SendDisposition(deliveryID, state); err != nil {
		l.logger.Warn("link: failed to send disposition", "delivery", deliveryID, "err", err)
	}
}

func (l *Link) failMessageSize() {
	l.logger.Warn(
		"link: received message exceeds max message size",
		"size", len(l.received),
		"max", l.maxMessageSize,
	)
	l.resetReassembly()

	err := l.sendDetach(true, &frame.Error{
		Condition:   frame.ErrCondMessageSizeExceeded,
		Description: fmt.Sprintf("message exceeds %d bytes", l.maxMessageSize),
	})
	if err != nil {
		l.logger.Warn("link: failed to detach", "err", err)
	}
	l.isClosed = true
	l.settleAll(SettleReasonNotDelivered)
	l.setState(StateError)
}

func (l *Link) handleDisposition(disposition *frame.Disposition) {
	if !disposition.Settled {
		return
	}

	for _, d := range l.pending.inRange(disposition.First, disposition.LastID()) {
		l.settle(d, SettleReasonDispositionReceived, disposition.State)
	}
}

func (l *Link) handleDetach(detach *frame.Detach) {
	switch {
	case l.state == StateAttached:
		// Answer the detach.
		if err := l.sendDetach(detach.Closed, nil); err != nil {
			l.logger.Warn("link: failed to answer detach", "err", err)
		}

	case detach.Closed && l.state.IsHalfAttached() && !l.isClosed:
		// Attach and close so that the peer sees a complete close.
		if err := l.sendAttach(); err != nil {
			l.logger.Warn("link: failed to attach for close", "err", err)
		} else if err := l.sendDetach(true, nil); err != nil {
			l.logger.Warn("link: failed to close", "err", err)
		}
	}

	l.settleAll(SettleReasonNotDelivered)
	l.resetReassembly()

	if l.onDetachReceived != nil {
		l.onDetachReceived(detach.Error)
	}

	if detach.Error != nil {
		l.setState(StateError)
	} else {
		l.setState(StateDetached)
	}
}
