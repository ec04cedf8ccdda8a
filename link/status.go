package link

// Status is a snapshot of the link state.
type Status struct {
	Name               string `cbor:"name"                        json:"name"`
	Role               string `cbor:"role"                        json:"role"`
	State              string `cbor:"state"                       json:"state"`
	LinkCredit         uint32 `cbor:"credit"                      json:"credit"`
	MaxLinkCredit      uint32 `cbor:"max_credit"                  json:"max_credit"`
	DeliveryCount      uint32 `cbor:"delivery_count"              json:"delivery_count"`
	PendingDeliveries  int    `cbor:"pending"                     json:"pending"`
	PeerMaxMessageSize uint64 `cbor:"peer_max_msg_size,omitempty" json:"peer_max_msg_size,omitempty"`
	Closed             bool   `cbor:"closed,omitempty"            json:"closed,omitempty"`
}

// Status returns a snapshot of the link state.
func (l *Link) Status() Status {
	return Status{
		Name:               l.name,
		Role:               l.role.String(),
		State:              l.state.String(),
		LinkCredit:         l.linkCredit,
		MaxLinkCredit:      l.maxLinkCredit,
		DeliveryCount:      l.deliveryCount,
		PendingDeliveries:  l.pending.len(),
		PeerMaxMessageSize: l.peerMaxMessageSize,
		Closed:             l.isClosed,
	}
}
