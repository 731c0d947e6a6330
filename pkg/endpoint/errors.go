package endpoint

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg        = errors.New("endpoint: invalid options")
	ErrNoTLSConfig       = errors.New("endpoint: TlsConfig is required by the quic transport")
	ErrUnknownTransport  = errors.New("endpoint: unknown transport")
	ErrClosed            = errors.New("endpoint: closed")
	ErrDial              = errors.New("endpoint: could not reach remote endpoint")
	ErrProtocolViolation = errors.New("endpoint: protocol violation")
	ErrNotAuthenticated  = errors.New("endpoint: protocol is not authenticated yet")
	ErrNotActive         = errors.New("endpoint: interface has no connection")
	ErrWrongKind         = errors.New("endpoint: operation not supported by this interface kind")

	errDropped = errors.New("endpoint: message dropped")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x2,
		Prefix: "protocol violation",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
