package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", New(Validation, "bad store id"), Validation},
		{"wrapped classified", fmt.Errorf("outer: %w", New(Forbidden, "not yours")), Forbidden},
		{"head mismatch", &HeadMismatch{Current: 3, Expected: 1}, Conflict},
		{"chain violation", &ChainViolation{Stream: "scope_state", Seq: 2, Msg: "prev hash"}, Conflict},
		{"plain error", errors.New("boom"), Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHeadMismatchReason(t *testing.T) {
	ahead := &HeadMismatch{Current: 5, Expected: 2}
	assert.Equal(t, ReasonServerAhead, ahead.Reason())

	behind := &HeadMismatch{Current: 1, Expected: 9}
	assert.Equal(t, ReasonServerBehind, behind.Reason())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(New(Validation, "x")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(New(Unauthenticated, "x")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(New(Forbidden, "x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(&HeadMismatch{Current: 2, Expected: 1}))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(New(Protocol, "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "network", Code(New(Transport, "timeout")))
	assert.Equal(t, "conflict", Code(&HeadMismatch{Current: 2, Expected: 1}))
	assert.Equal(t, "auth", Code(New(Unauthenticated, "no session")))
	assert.Equal(t, "auth", Code(New(Forbidden, "not yours")))
	assert.Equal(t, "protocol", Code(New(Protocol, "bad frame")))
	assert.Equal(t, "server", Code(errors.New("boom")))
}

func TestTransient(t *testing.T) {
	serialization := &pq.Error{Code: "40001"}
	deadlock := &pq.Error{Code: "40P01"}
	unique := &pq.Error{Code: "23505"}

	assert.True(t, Transient(serialization))
	assert.True(t, Transient(fmt.Errorf("tx: %w", deadlock)))
	assert.False(t, Transient(unique))
	assert.False(t, Transient(errors.New("boom")))
}

func TestUniqueViolation(t *testing.T) {
	unique := &pq.Error{Code: "23505"}
	assert.True(t, UniqueViolation(fmt.Errorf("insert: %w", unique)))
	assert.False(t, UniqueViolation(errors.New("boom")))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := Wrap(Internal, inner, "query failed")
	require.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "query failed")
	assert.Contains(t, err.Error(), "inner")
}
