package actor

import "errors"

var (
	ErrNoHandlerForVariant = errors.New("no handler for variant")
	ErrMailboxFull         = errors.New("mailbox full")
	ErrClosed              = errors.New("agent closed")
	ErrUnknownAgent        = errors.New("unknown agent")
	ErrRefType             = errors.New("agent does not accept reference type")
	ErrBadMessage          = errors.New("malformed message")
)
