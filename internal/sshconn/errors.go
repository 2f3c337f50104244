package sshconn

import "errors"

var (
	// ErrConnection indicates the channel could not be opened or the
	// transport failed mid-command. Sessions built on the channel must be
	// marked inactive; the caller may re-establish.
	ErrConnection = errors.New("ssh connection error")

	// ErrTimeout indicates the command exceeded its wall-clock bound. The
	// channel itself remains usable.
	ErrTimeout = errors.New("command timed out")

	// ErrChannelClosed indicates Exec was called on a closed channel.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrMaxConnections indicates the connection pool is at capacity.
	ErrMaxConnections = errors.New("maximum ssh connections reached")
)
