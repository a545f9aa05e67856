package dtx

import (
	"errors"

	"github.com/blacktop/go-dtx/nskeyedarchiver"
)

// Error kinds surfaced by the messaging core. Match with errors.Is; call
// sites annotate with wrapping so the kind survives.
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrProtocolError    = errors.New("protocol error")
	ErrTimeout          = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotSupported     = errors.New("not supported")
	ErrInternal         = errors.New("internal error")

	ErrInvalidEncoding = nskeyedarchiver.ErrInvalidEncoding
)
