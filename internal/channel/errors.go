package channel

import "errors"

var (
	// ErrCommandTimeout means the channel was healthy but the device never
	// answered within the bounded wait.
	ErrCommandTimeout = errors.New("command timed out waiting for device response")

	// ErrChannelClosed means the command channel itself went away before a
	// response arrived. Callers should fall back to direct transport.
	ErrChannelClosed = errors.New("command channel closed")
)
