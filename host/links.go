package host

import (
	"fmt"
	"strconv"

	"github.com/mycoria/amqplink/frame"
	"github.com/mycoria/amqplink/link"
	"github.com/mycoria/amqplink/m"
	"github.com/mycoria/amqplink/message"
	"github.com/mycoria/amqplink/receiver"
	"github.com/mycoria/amqplink/sender"
	"github.com/mycoria/amqplink/session"
	"github.com/mycoria/amqplink/storage"
)

// acceptLink serves links attached by the peer.
// Only sending peers are accepted, their messages are stored.
func (h *Host) acceptLink(p *peer, ep *session.Endpoint, attach *frame.Attach) bool {
	linkName := m.SafeString(attach.Name)
	if attach.Role != frame.RoleSender {
		h.mgr.Info("refusing link from receiving peer", "remote", p.remote, "link", linkName)
		return false
	}

	c := h.instance.Config()
	l, err := link.NewFromEndpoint(
		p.session, ep,
		attach.Name, attach.Role, attach.Source, attach.Target,
		link.WithLogger(h.mgr.Logger()),
	)
	if err != nil {
		h.mgr.Warn("failed to create link", "remote", p.remote, "link", linkName, "err", err)
		return false
	}
	if err := l.SetMaxLinkCredit(c.MaxLinkCredit); err != nil {
		h.mgr.Warn("failed to set link credit", "link", linkName, "err", err)
		return false
	}
	l.SetMaxMessageSize(c.Link.MaxMessageSize)

	r, err := receiver.New(l, receiver.WithLogger(h.mgr.Logger()))
	if err != nil {
		h.mgr.Warn("failed to create receiver", "link", linkName, "err", err)
		return false
	}
	r.SetTrace(c.Link.Trace)
	if err := r.Open(h.messageHandler(r)); err != nil {
		h.mgr.Warn("failed to open receiver", "link", linkName, "err", err)
		return false
	}

	p.receivers = append(p.receivers, r)
	h.mgr.Debug("accepted link", "remote", p.remote, "link", linkName)
	return true
}

// messageHandler verifies and stores the messages received by r.
func (h *Host) messageHandler(r *receiver.Receiver) receiver.MessageReceivedFunc {
	return func(msg *message.Message) frame.DeliveryState {
		c := h.instance.Config()

		// Check the body digest, if the sender signed the message.
		if msg.Signed() {
			if err := msg.Verify(); err != nil {
				h.mgr.Warn("rejecting message", "link", m.SafeString(r.LinkName()), "err", err)
				return &frame.Rejected{Error: &frame.Error{
					Condition:   frame.ErrCondDecodeError,
					Description: err.Error(),
				}}
			}
		}

		payload, err := msg.Encode()
		if err != nil {
			return rejectInternal(err)
		}
		digest, err := c.Hash.Digest(payload)
		if err != nil {
			return rejectInternal(err)
		}
		id, err := r.ReceivedMessageID()
		if err != nil {
			return rejectInternal(err)
		}

		sm := &storage.StoredMessage{
			Link:       r.LinkName(),
			DeliveryID: id,
			Format:     msg.MessageFormat(),
			Payload:    payload,
			Hash:       c.Hash,
			Digest:     digest,
		}
		if err := h.instance.Storage().SaveMessage(sm); err != nil {
			return rejectInternal(err)
		}

		h.MessageEvents.Submit(sm)
		return &frame.Accepted{}
	}
}

func rejectInternal(err error) frame.DeliveryState {
	return &frame.Rejected{Error: &frame.Error{
		Condition:   frame.ErrCondInternalError,
		Description: err.Error(),
	}}
}

// openSender opens the sender to the configured target on the peer.
func (h *Host) openSender(p *peer) error {
	c := h.instance.Config()

	containerID := c.Session.ContainerID
	if containerID == "" {
		containerID = session.DefaultContainerID
	}
	h.linkSeq++
	name := containerID + "-sender-" + strconv.FormatUint(h.linkSeq, 10)

	l, err := link.New(
		p.session, name, frame.RoleSender,
		&frame.Source{Address: containerID},
		&frame.Target{Address: c.Node.Address},
		link.WithLogger(h.mgr.Logger()),
	)
	if err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	l.SetSenderSettleMode(c.SettleMode)
	l.SetMaxMessageSize(c.Link.MaxMessageSize)

	snd, err := sender.New(
		l,
		sender.WithLogger(h.mgr.Logger()),
		sender.WithStateChanged(func(state, _ sender.State) {
			switch state { //nolint:exhaustive
			case sender.StateOpen:
				h.setReady(nil)
			case sender.StateError:
				h.setReady(ErrConnectionLost)
			}
		}),
	)
	if err != nil {
		l.Destroy()
		return fmt.Errorf("create sender: %w", err)
	}
	snd.SetTrace(c.Link.Trace)
	if err := snd.Open(); err != nil {
		return fmt.Errorf("open sender: %w", err)
	}

	p.senders = append(p.senders, snd)
	h.sender = snd
	return nil
}
