package network

import "errors"

var (
	ErrInvalidCfg       = errors.New("network: invalid options")
	ErrClosed           = errors.New("network: closed")
	ErrHandshake        = errors.New("network: handshake failed")
	ErrHandshakeTimeout = errors.New("network: handshake timed out")
)
