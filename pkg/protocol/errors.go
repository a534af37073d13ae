package protocol

import "errors"

var (
	// ErrEmptySlip is returned when an envelope is dispatched with no routes.
	ErrEmptySlip = errors.New("routing slip is empty")
	// ErrInvalidDelay is returned when min_delay > max_delay.
	ErrInvalidDelay = errors.New("min delay exceeds max delay")
	// ErrInvalidRoute is returned for hops without service or operation.
	ErrInvalidRoute = errors.New("invalid route")
	// ErrShortFrame is returned when a frame is truncated.
	ErrShortFrame = errors.New("short frame")
	// ErrBadMagic is returned when a frame does not start with the magic word.
	ErrBadMagic = errors.New("bad magic")
	// ErrFrameTooLarge guards against absurd body sizes.
	ErrFrameTooLarge = errors.New("frame too large")
)
