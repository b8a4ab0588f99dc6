package network

import "errors"

// Common errors for node operations
var (
	ErrHandshakeRejected  = errors.New("handshake rejected by remote")
	ErrHandshakeMismatch  = errors.New("handshake echo does not match")
	ErrHandshakeAborted   = errors.New("handshake channel lost")
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrUnsolicitedAck     = errors.New("unsolicited handshake ack")
	ErrDuplicateHandshake = errors.New("handshake already pending for peer")
	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrDialFailed         = errors.New("failed to dial peer")
	ErrSelfConnect        = errors.New("cannot connect to self")
	ErrAlreadyConnected   = errors.New("already connected to peer")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrReservedType       = errors.New("message type is reserved")
	ErrNodeStopped        = errors.New("node is stopped")
	ErrNodeAlreadyStarted = errors.New("node already started")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidConfig      = errors.New("invalid config")
)
