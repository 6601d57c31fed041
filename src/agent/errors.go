package agent

import "github.com/pkg/errors"

var (
	// ErrConfig is fatal at startup.
	ErrConfig = errors.New("config error")
	// ErrTransport is a socket failure on either side.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is a malformed or out of sequence stratum message.
	ErrProtocol = errors.New("protocol error")
	// ErrCapacity means no pool can take the session or the share.
	ErrCapacity = errors.New("capacity error")
)

var (
	ErrPoolUnavailable   = errors.Wrap(ErrCapacity, "upstream pool unavailable")
	ErrSessionsExhausted = errors.Wrap(ErrCapacity, "session id space exhausted")
	ErrNoPoolAvailable   = errors.Wrap(ErrCapacity, "no upstream pool available")
)
