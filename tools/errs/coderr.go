package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrs "github.com/pkg/errors"
)

// CodeError carries an HTTP-style status code next to the message so the
// API layer can map any failure without knowing where it came from.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) Wrap() error {
	return pkgerrs.WithStack(e.clone())
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

// WrapMsg clones e, appends msg and kv pairs to the detail and attaches a stack.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return pkgerrs.WithStack(retErr)
}

// Is matches another CodeError with the same code and message, so clones
// produced by WrapMsg still satisfy errors.Is against the sentinel.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code && e.Msg == t.Msg
}

const initialCapacity = 3

func (e *CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

// CodeOf returns the first CodeError in err's chain.
func CodeOf(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Status maps err onto an HTTP status; non-coded errors are internal.
func Status(err error) int {
	if ce, ok := CodeOf(err); ok {
		return ce.Code
	}
	return ServerInternalError
}

// Message is the client-facing text of err: the coded message plus detail,
// or the raw error text otherwise.
func Message(err error) string {
	if ce, ok := CodeOf(err); ok {
		if ce.Detail != "" {
			return ce.Msg + ": " + ce.Detail
		}
		return ce.Msg
	}
	return err.Error()
}

func Is(err, target error) bool { return errors.Is(err, target) }

func New(msg string, kv ...any) error {
	return pkgerrs.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrs.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrs.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteString("=")
		if i+1 < len(kv) {
			b.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}
