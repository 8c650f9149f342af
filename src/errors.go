package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Error values surfaced by the library.
 *
 * Description:	Sentinels carry the POSIX style codes applications
 *		match on with errors.Is; the wrapping error names the
 *		call sign or port involved.
 *
 *---------------------------------------------------------------*/

import (
	"errors"
	"fmt"
)

var (
	// ErrCallSignRejected: the TNC refused to register a call sign
	// (an 'X' reply of 0).  EACCES.
	ErrCallSignRejected = errors.New("EACCES: call sign registration rejected")

	// ErrNoSuchPort: the TNC does not have the requested port, or
	// advertised no ports at all.  ENOENT.
	ErrNoSuchPort = errors.New("ENOENT: no such TNC port")

	// ErrAddressInUse: an outbound connection already exists for the
	// same (port, local, remote) triple.  EADDRINUSE.
	ErrAddressInUse = errors.New("EADDRINUSE: connection already exists")

	// ErrConnClosed: I/O on a connection after it was closed.
	ErrConnClosed = errors.New("connection is closed")

	// ErrServerClosed: the server was closed.
	ErrServerClosed = errors.New("server is closed")

	// ErrReceiveOverflow: a 'D' frame arrived while the application
	// still had not consumed the previous ones.
	ErrReceiveOverflow = errors.New("receive buffer overflow")

	// ErrDataAfterClose: a 'D' frame arrived after local close.
	ErrDataAfterClose = errors.New("data received after close")
)

func registrationError(callSign string) error {
	return fmt.Errorf("%w: %s", ErrCallSignRejected, callSign)
}

func noSuchPortError(port int) error {
	return fmt.Errorf("%w: %d", ErrNoSuchPort, port)
}

func addressInUseError(key connKey) error {
	return fmt.Errorf("%w: %s", ErrAddressInUse, key)
}
