package realtime

import "errors"

var (
	// ErrEventChannelFull reports a publish against a saturated bus buffer.
	ErrEventChannelFull = errors.New("event channel full")

	// ErrSubscriberClosed reports a send to an already-closed subscriber.
	ErrSubscriberClosed = errors.New("subscriber closed")

	// ErrInvalidEvent reports an event missing its type or payload.
	ErrInvalidEvent = errors.New("invalid event")
)
