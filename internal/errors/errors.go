package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

type Op string

func (op Op) String() string {
	return string(op)
}

type Kind int

const (
	Internal Kind = iota + 1
	IO
	Network
	BadArgument
	Protocol
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO Error"
	case Network:
		return "Network Error"
	case BadArgument:
		return "Bad arguments"
	case Protocol:
		return "Protocol Error"
	default:
		return "Internal Error"
	}
}

type Error struct {
	err  error
	op   Op
	kind Kind
}

func (e Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}

	return fmt.Sprintf("%s: %s", e.op, e.err)
}

func (e Error) Unwrap() error {
	return e.err
}

type Errors []error

func (errs Errors) Error() string {
	var sb strings.Builder

	for i, err := range errs {
		sb.WriteString(err.Error())

		if i < len(errs)-1 {
			sb.WriteString(", ")
		}
	}

	return sb.String()
}

// Ops returns the chain of operations recorded by nested
// calls to Wrap, outermost first
func Ops(e error) []string {
	var out []string

	err, ok := e.(Error)
	if !ok {
		return out
	}

	if err.op != "" {
		out = append(out, string(err.op))
	}
	out = append(out, Ops(err.err)...)

	return out
}

// KindOf returns the kind of the outermost wrapped error,
// or Internal if e was never wrapped
func KindOf(e error) Kind {
	var err Error
	if errors.As(e, &err) && err.kind != 0 {
		return err.kind
	}

	return Internal
}

// Is reports whether e was wrapped with kind k
func Is(k Kind, e error) bool {
	return e != nil && KindOf(e) == k
}

func IsEOF(e error) bool {
	return errors.Is(e, io.EOF) || errors.Is(e, io.ErrUnexpectedEOF)
}

func Wrap(e error, args ...interface{}) error {
	if e == nil {
		return nil
	}

	err := Error{err: e, kind: Internal}

	if _err, ok := e.(Error); ok {
		err.kind = _err.kind
	}

	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			err.kind = v
		case Op:
			err.op = v
		}
	}

	return err
}

func New(e string) error {
	return Error{err: errors.New(e), kind: Internal}
}

func Newf(fmtStr string, args ...interface{}) error {
	return Error{err: fmt.Errorf(fmtStr, args...), kind: Internal}
}
