package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Leveled logging indirection.
 *
 * Description:	The library logs through this small interface so that
 *		applications can plug in whatever they already use.
 *		When no logger is supplied everything is a no-op.
 *
 *---------------------------------------------------------------*/

import (
	"io"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the sink the library writes diagnostics to.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NewLogger returns a Logger writing human readable leveled output,
// suitable for the cmd/ programs.
func NewLogger(w io.Writer) Logger {
	return charmlog.New(w)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// ensureLogger substitutes the no-op sink for a nil logger.
func ensureLogger(log Logger) Logger {
	if log == nil {
		return nopLogger{}
	}

	return log
}
