package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, ActionError, KindOf(errors.New("boom")))
	assert.Equal(t, NotFound, KindOf(New(NotFound, "missing")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		Validation:    400,
		Unsupported:   400,
		Auth:          401,
		Forbidden:     403,
		NotFound:      404,
		Conflict:      409,
		ConnectFailed: 500,
		ActionError:   500,
		Timeout:       500,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := errors.New("inner")
	wrapped := Wrap(ConnectFailed, "detail", inner)
	assert.ErrorIs(t, wrapped, inner)
	assert.Contains(t, wrapped.Error(), "detail")
}
