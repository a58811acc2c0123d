package syncbuf

import "errors"

// Sentinel errors for submission and seek-protocol handling. These enable
// callers to programmatically distinguish failure modes using errors.Is.
var (
	ErrStreamNotConfigured = errors.New("syncbuf: stream not configured")
	ErrInvalidStreamType   = errors.New("syncbuf: invalid stream type")
	ErrUnsupportedMessage  = errors.New("syncbuf: unsupported message kind")
	ErrMissingPacket       = errors.New("syncbuf: packet message without packet")
)
