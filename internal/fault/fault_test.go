package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWalksWrappedChain(t *testing.T) {
	base := New(Conflict, "SLOT_OCCUPIED", "slot A-01 is already occupied")
	wrapped := fmt.Errorf("vehicle_in failed: %w", base)

	assert.Equal(t, Conflict, KindOf(wrapped))
	assert.Equal(t, "SLOT_OCCUPIED", CodeOf(wrapped))
	assert.Equal(t, "slot A-01 is already occupied", MessageOf(wrapped))
}

func TestUnclassifiedDefaultsToInternal(t *testing.T) {
	err := errors.New("connection reset")

	assert.Equal(t, Internal, KindOf(err))
	assert.Equal(t, "INTERNAL", CodeOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestCodeFallsBackToKindName(t *testing.T) {
	err := New(NotFound, "", "no such gate")
	assert.Equal(t, "NOT_FOUND", CodeOf(err))
	assert.Equal(t, "NOT_FOUND: no such gate", err.Error())
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{BadInput, http.StatusBadRequest},
		{Unauthorized, http.StatusUnauthorized},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{Unavailable, http.StatusServiceUnavailable},
		{Timeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(New(tc.kind, "", "x")), tc.kind.String())
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(Unavailable, "CLOUD_UNREACHABLE", cause)

	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, Unavailable, KindOf(err))
	assert.Equal(t, "CLOUD_UNREACHABLE: dial tcp: connection refused", err.Error())

	assert.NoError(t, Wrap(Unavailable, "X", nil))
}
