package submitserver

import (
	"fmt"

	"github.com/veldmail/veld/smtp"
)

type codes struct {
	code   int
	secode string // Enhanced code, without the leading major digit from code.
}

type smtpError struct {
	code       int
	secode     string
	err        error
	printStack bool
	userError  bool
}

func (e smtpError) Error() string { return e.err.Error() }
func (e smtpError) Unwrap() error { return e.err }

func xsmtpErrorf(code int, secode string, userError bool, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	panic(smtpError{code, secode, err, false, userError})
}

func xsmtpUserErrorf(code int, secode string, format string, args ...any) {
	xsmtpErrorf(code, secode, true, format, args...)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(smtpError{smtp.C451LocalErr, smtp.SeSys3Other0, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), true, false})
	}
}
