package connection

import "errors"

var (
	errDisconnected   = errors.New("connection: handle is disconnected")
	errQueueFull      = errors.New("connection: outbound queue full")
	errIllegalMessage = errors.New("connection: illegal message before version handshake")
	errLoginQueueFull = errors.New("connection: login request queue full")
	errFrameIllegal   = errors.New("connection: frame violated size limit")
)
