package errors_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/namvu9/bitswarm/internal/errors"
)

func TestWrap(t *testing.T) {
	var (
		inner errors.Op = "conn.read"
		outer errors.Op = "swarm.handle"
	)

	err := errors.Wrap(io.EOF, inner, errors.Network)
	err = errors.Wrap(err, outer)

	if got := errors.KindOf(err); got != errors.Network {
		t.Errorf("kind want %s got %s", errors.Network, got)
	}

	ops := errors.Ops(err)
	if len(ops) != 2 || ops[0] != string(outer) || ops[1] != string(inner) {
		t.Errorf("ops want [%s %s] got %v", outer, inner, ops)
	}

	if !errors.IsEOF(err) {
		t.Errorf("want IsEOF to see through wrapped errors")
	}

	if want := "swarm.handle: conn.read: EOF"; err.Error() != want {
		t.Errorf("want %q got %q", want, err.Error())
	}
}

func TestKindOf(t *testing.T) {
	for i, test := range []struct {
		err  error
		want errors.Kind
	}{
		{fmt.Errorf("plain"), errors.Internal},
		{errors.New("new"), errors.Internal},
		{errors.Wrap(fmt.Errorf("x"), errors.Protocol), errors.Protocol},
		{fmt.Errorf("outer: %w", errors.Wrap(io.EOF, errors.IO)), errors.IO},
	} {
		if got := errors.KindOf(test.err); got != test.want {
			t.Errorf("%d: want %s got %s", i, test.want, got)
		}
	}

	if errors.Wrap(nil, errors.IO) != nil {
		t.Errorf("want Wrap(nil) to be nil")
	}
}
