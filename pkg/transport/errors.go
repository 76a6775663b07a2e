package transport

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrHardwareInit    = errors.New("illegal baudrate passed to function")
	ErrTxOverflow      = errors.New("previous message is still waiting, buffer full")
	ErrTxUnconfigured  = errors.New("transmit buffer was not configured properly")
)
