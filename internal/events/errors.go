package events

import "errors"

// Sentinel errors.
var (
	// ErrSubscriberOverflow is reported by a subscription that was dropped for falling behind.
	ErrSubscriberOverflow = errors.New("subscriber buffer overflow")
	// ErrPublisherClosed is reported by subscriptions ended by Publisher.Close.
	ErrPublisherClosed = errors.New("publisher closed")
)
