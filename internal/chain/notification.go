package chain

// Committed announces a contiguous ordered range of blocks that is now
// canonical.
type Committed struct {
	Blocks []Block `json:"blocks"`
}

// Reverted announces a contiguous closed range of block numbers that is no
// longer canonical.
type Reverted struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Notification is exactly one of Committed or Reverted. AckFunc confirms the
// notification to the transport once its effects are durable; NakFunc
// requests redelivery. Either may be nil (tests, replay).
type Notification struct {
	Committed *Committed
	Reverted  *Reverted

	AckFunc func()
	NakFunc func()
}

func (n *Notification) Ack() {
	if n.AckFunc != nil {
		n.AckFunc()
	}
}

func (n *Notification) Nak() {
	if n.NakFunc != nil {
		n.NakFunc()
	}
}

// NotificationSource is the ordered, backpressured stream of commit/revert
// notifications the reconciler consumes. Implementations may close the
// channel to signal the end of the stream; long-lived sources instead rely
// on consumer context cancellation.
type NotificationSource interface {
	Notifications() <-chan Notification
}
